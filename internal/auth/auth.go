package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/trustline/escrow/internal/models"
	"github.com/trustline/escrow/internal/store"
)

// Identity is the authenticated caller as established from a bearer token.
type Identity struct {
	UID   string
	Email string
}

// AuthService handles user registration, login and token verification.
type AuthService struct {
	store  store.Store
	secret []byte
}

// NewAuthService creates a new auth service. secret signs issued tokens.
func NewAuthService(s store.Store, secret string) *AuthService {
	return &AuthService{store: s, secret: []byte(secret)}
}

// Register creates a new user with a hashed password.
func (s *AuthService) Register(ctx context.Context, email, username, password, walletAddress string) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("a valid email is required")
	}
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("username too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:            uuid.NewString(),
		Email:         email,
		Username:      username,
		PasswordHash:  string(hashedPassword),
		WalletAddress: walletAddress,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if err == store.ErrDuplicate {
			return nil, fmt.Errorf("email already registered")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT.
func (s *AuthService) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("invalid credentials")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid":   user.ID,
		"email": user.Email,
		"exp":   time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// IdentityFromToken extracts the caller's identity from a JWT.
func (s *AuthService) IdentityFromToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Identity{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}
	uid, _ := claims["uid"].(string)
	email, _ := claims["email"].(string)
	if uid == "" {
		return Identity{}, fmt.Errorf("token carries no identity")
	}
	return Identity{UID: uid, Email: email}, nil
}
