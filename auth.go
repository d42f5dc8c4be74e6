package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	controlTokenExpiry = 12 * time.Hour
	controlScope       = "control"
	issueRateWindow    = 60 * time.Second
	maxIssueAttempts   = 10
)

var (
	// ErrUnauthorized reports a missing or invalid control token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrControlDisabled reports that no operator key is configured.
	ErrControlDisabled = errors.New("control tokens disabled")
	// ErrTooManyAttempts reports an operator key brute-force attempt.
	ErrTooManyAttempts = errors.New("too many attempts, try again later")
)

// ControlAuth gates instruction submission. Operators trade the operator
// key for a signed control token; transports present the token when they
// submit instructions. Without a configured key hash, control is open.
type ControlAuth struct {
	secret  []byte
	keyHash []byte

	rateMu  sync.Mutex
	rateMap map[string]*rateEntry
}

type rateEntry struct {
	Count   int
	ResetAt time.Time
}

// NewControlAuth builds the gate. An empty secret is loaded from (or
// generated into) the settings table so tokens survive restarts.
func NewControlAuth(db *DB, secret, keyHash string) (*ControlAuth, error) {
	if keyHash != "" {
		if _, err := bcrypt.Cost([]byte(keyHash)); err != nil {
			return nil, fmt.Errorf("control key hash: %w", err)
		}
	}
	s := []byte(secret)
	if len(s) == 0 {
		s = loadOrCreateSecret(db)
	}
	return &ControlAuth{
		secret:  s,
		keyHash: []byte(keyHash),
		rateMap: make(map[string]*rateEntry),
	}, nil
}

// loadOrCreateSecret loads the signing secret from the database, or
// generates and persists a new one if none exists.
func loadOrCreateSecret(db *DB) []byte {
	if db != nil {
		if h := db.GetSetting("control_secret"); h != "" {
			if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
				return b
			}
		}
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("failed to generate control secret: " + err.Error())
	}
	if db != nil {
		if err := db.SetSetting("control_secret", hex.EncodeToString(secret)); err != nil {
			log.Printf("warning: could not persist control secret: %v", err)
		}
	}
	return secret
}

// Required reports whether instruction submission needs a token.
func (a *ControlAuth) Required() bool {
	return a != nil && len(a.keyHash) > 0
}

// IssueToken checks the operator key and returns a control token for actor.
func (a *ControlAuth) IssueToken(key, actor, ip string) (string, error) {
	if !a.Required() {
		return "", ErrControlDisabled
	}
	if !a.checkRate(ip) {
		return "", ErrTooManyAttempts
	}
	if err := bcrypt.CompareHashAndPassword(a.keyHash, []byte(key)); err != nil {
		return "", ErrUnauthorized
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "operator"
	}
	return a.generateToken(actor)
}

// Authorize validates a bearer token. It returns the actor it was issued
// to, or "" with a nil error when control is open.
func (a *ControlAuth) Authorize(tokenStr string) (string, error) {
	if !a.Required() {
		return "", nil
	}
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return "", ErrUnauthorized
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrUnauthorized
	}
	if scope, _ := claims["scope"].(string); scope != controlScope {
		return "", ErrUnauthorized
	}
	actor, ok := claims["sub"].(string)
	if !ok || actor == "" {
		return "", ErrUnauthorized
	}
	return actor, nil
}

func (a *ControlAuth) generateToken(actor string) (string, error) {
	claims := jwt.MapClaims{
		"sub":   actor,
		"scope": controlScope,
		"exp":   time.Now().Add(controlTokenExpiry).Unix(),
		"iat":   time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *ControlAuth) checkRate(ip string) bool {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()

	now := time.Now()
	entry, ok := a.rateMap[ip]
	if !ok || now.After(entry.ResetAt) {
		a.rateMap[ip] = &rateEntry{Count: 1, ResetAt: now.Add(issueRateWindow)}
		return true
	}
	entry.Count++
	return entry.Count <= maxIssueAttempts
}

// HashControlKey returns the bcrypt hash to configure for an operator key.
func HashControlKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
