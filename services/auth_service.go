package services

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/config"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

// Token type claims.
const (
	tokenTypeAccess    = "access"
	tokenTypeRefresh   = "refresh"
	tokenTypeAnonymous = "anonymous"
)

type AuthService struct {
	Db              *gorm.DB
	jwtSecret       []byte
	tokenExpiry     time.Duration
	refreshExpiry   time.Duration
	anonymousExpiry time.Duration
	otpLength       int
	otpTTL          time.Duration
}

func NewAuthService(db *gorm.DB, cfg *config.AuthConfig) *AuthService {
	return &AuthService{
		Db:              db,
		jwtSecret:       []byte(cfg.JWTSecret),
		tokenExpiry:     time.Duration(cfg.TokenExpiry) * time.Hour,
		refreshExpiry:   time.Duration(cfg.RefreshExpiry) * time.Hour,
		anonymousExpiry: time.Duration(cfg.AnonymousExpiry) * time.Hour,
		otpLength:       cfg.OTPLength,
		otpTTL:          time.Duration(cfg.OTPTTL) * time.Minute,
	}
}

type Claims struct {
	UserID    string `json:"user_id"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

func (s *AuthService) GenerateTokens(user *models.User) (*models.AuthResponse, error) {
	accessClaims := &Claims{
		UserID:    user.ID,
		Phone:     user.Phone,
		Role:      user.Role,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, err
	}

	refreshClaims := &Claims{
		UserID:    user.ID,
		TokenType: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.refreshExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, err
	}

	return &models.AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.tokenExpiry.Seconds()),
		User:         *user,
	}, nil
}

func (s *AuthService) parseClaims(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (s *AuthService) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.parseClaims(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, errors.New("not an access token")
	}
	return claims, nil
}

func (s *AuthService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	claims, err := s.parseClaims(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return nil, errors.New("not a refresh token")
	}
	return claims, nil
}

// CreateAnonymousUser issues a fresh visitor identity plus its token.
func (s *AuthService) CreateAnonymousUser() (*models.AnonymousUser, string, error) {
	id := uuid.NewString()
	claims := &Claims{
		TokenType: tokenTypeAnonymous,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.anonymousExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, "", err
	}

	anon := &models.AnonymousUser{
		ID:           id,
		Token:        token,
		LastActivity: time.Now(),
	}
	if err := s.Db.Create(anon).Error; err != nil {
		return nil, "", err
	}
	return anon, token, nil
}

// ValidateAnonymousToken returns the anonymous user id the token was
// issued for.
func (s *AuthService) ValidateAnonymousToken(tokenString string) (string, error) {
	claims, err := s.parseClaims(tokenString)
	if err != nil {
		return "", err
	}
	if claims.TokenType != tokenTypeAnonymous {
		return "", errors.New("not an anonymous token")
	}
	return claims.Subject, nil
}

// SendOTP creates the user on first contact and stores a bcrypt hash of
// a fresh one-time code. Returns the plain code for the SMS transport.
func (s *AuthService) SendOTP(phone string) (string, error) {
	if phone == "" {
		return "", fmt.Errorf("%w: phone is required", ErrValidation)
	}

	var user models.User
	err := s.Db.Where("phone = ?", phone).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = models.User{
			ID:    uuid.NewString(),
			Phone: phone,
			Role:  models.RoleCustomer,
		}
		if err := s.Db.Create(&user).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	code, err := s.generateCode()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	otp := models.OtpCode{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		CodeHash:  string(hash),
		ExpiresAt: time.Now().Add(s.otpTTL),
	}
	if err := s.Db.Create(&otp).Error; err != nil {
		return "", err
	}
	return code, nil
}

// VerifyOTP checks the latest usable code for the phone and, on
// success, marks the phone verified and consumes the code.
func (s *AuthService) VerifyOTP(phone, code string) (*models.User, error) {
	var user models.User
	if err := s.Db.Where("phone = ?", phone).First(&user).Error; err != nil {
		return nil, ErrInvalidOTP
	}

	var otp models.OtpCode
	err := s.Db.Where("user_id = ? AND used_at IS NULL", user.ID).
		Order("created_at DESC").First(&otp).Error
	if err != nil {
		return nil, ErrInvalidOTP
	}
	if !otp.Usable(time.Now()) {
		return nil, ErrInvalidOTP
	}
	if bcrypt.CompareHashAndPassword([]byte(otp.CodeHash), []byte(code)) != nil {
		return nil, ErrInvalidOTP
	}

	now := time.Now()
	if err := s.Db.Model(&otp).Update("used_at", now).Error; err != nil {
		return nil, err
	}
	if err := s.Db.Model(&user).Updates(map[string]interface{}{
		"is_phone_verified": true,
		"last_login_at":     now,
	}).Error; err != nil {
		return nil, err
	}
	user.IsPhoneVerified = true
	user.LastLoginAt = &now
	return &user, nil
}

// LoginStaff authenticates a manager or admin by phone and password.
func (s *AuthService) LoginStaff(phone, password string) (*models.User, error) {
	var user models.User
	if err := s.Db.Where("phone = ?", phone).First(&user).Error; err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.IsStaff() || user.Password == "" {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

func (s *AuthService) generateCode() (string, error) {
	code := make([]byte, s.otpLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		code[i] = byte('0' + n.Int64())
	}
	return string(code), nil
}
