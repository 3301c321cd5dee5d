package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/richardliu001/custody-ledger/internal/auth"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	emailPattern    = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)
	passwordPattern = regexp.MustCompile(`^[0-9A-Za-z]{4,}$`)
)

var (
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrInvalidPassword  = errors.New("password must be at least 4 letters or digits")
	ErrInvalidName      = errors.New("name is required")
	ErrInvalidMaxAmount = errors.New("max amount per transaction must be a non-negative number")
	ErrEmailTaken       = errors.New("email already registered")
	ErrBadCredentials   = errors.New("invalid email or password")
	ErrUserNotFound     = errors.New("user not found")
)

// UserStore is the part of the repository the user service needs.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// RegisterInput is a signup request.
type RegisterInput struct {
	Name                    string
	Description             string
	Email                   string
	Password                string
	MaxAmountPerTransaction string
}

// UserService manages accounts and logins.
type UserService struct {
	repo   UserStore
	tokens *auth.TokenIssuer
	log    *zap.SugaredLogger
}

func NewUserService(r UserStore, tokens *auth.TokenIssuer, logger *zap.SugaredLogger) *UserService {
	return &UserService{repo: r, tokens: tokens, log: logger}
}

func validateRegistration(in RegisterInput) (decimal.Decimal, error) {
	if strings.TrimSpace(in.Name) == "" {
		return decimal.Zero, ErrInvalidName
	}
	if !emailPattern.MatchString(in.Email) {
		return decimal.Zero, ErrInvalidEmail
	}
	if !passwordPattern.MatchString(in.Password) {
		return decimal.Zero, ErrInvalidPassword
	}
	maxAmount, err := decimal.NewFromString(in.MaxAmountPerTransaction)
	if err != nil || maxAmount.IsNegative() {
		return decimal.Zero, ErrInvalidMaxAmount
	}
	return maxAmount, nil
}

// Register creates a user with a bcrypt password hash.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	maxAmount, err := validateRegistration(in)
	if err != nil {
		return nil, err
	}
	email := strings.ToLower(in.Email)
	if _, err := s.repo.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &model.User{
		ID:                      uuid.NewString(),
		Name:                    in.Name,
		Description:             in.Description,
		Email:                   email,
		PasswordHash:            string(hash),
		MaxAmountPerTransaction: maxAmount,
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	s.log.Infow("user registered", "user", u.ID)
	return u, nil
}

// Login checks the password and issues a token pair.
func (s *UserService) Login(ctx context.Context, email, password string) (auth.TokenPair, *model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, strings.ToLower(email))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return auth.TokenPair{}, nil, ErrBadCredentials
		}
		return auth.TokenPair{}, nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return auth.TokenPair{}, nil, ErrBadCredentials
	}
	pair, err := s.tokens.Issue(u.ID, u.Email)
	if err != nil {
		return auth.TokenPair{}, nil, err
	}
	return pair, u, nil
}

func (s *UserService) Get(ctx context.Context, id string) (*model.User, error) {
	u, err := s.repo.GetUser(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}
