package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	maxUsernameLength = 64
)

// IdentityStore is the catalog write side used at registration.
type IdentityStore interface {
	Catalog
	CreateUser(ctx context.Context, u *models.User) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
	GetRegion(ctx context.Context, id int32) (models.Region, error)
}

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Issue(user models.User) (string, time.Time, error)
}

type RegisterInput struct {
	Username string
	Password string
	FullName string
	Email    string
	Phone    string
	RegionID int32
}

type LoginResult struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	User      models.User     `json:"user"`
	Balance   decimal.Decimal `json:"balance"`
}

// IdentityService registers users in the catalog and opens their account on
// the home shard.
type IdentityService struct {
	store      IdentityStore
	shards     ShardResolver
	tokens     TokenIssuer
	bcryptCost int
}

func NewIdentityService(store IdentityStore, shards ShardResolver, tokens TokenIssuer) *IdentityService {
	return &IdentityService{store: store, shards: shards, tokens: tokens, bcryptCost: bcrypt.DefaultCost}
}

// WithBcryptCost overrides the hashing cost.
func (s *IdentityService) WithBcryptCost(cost int) *IdentityService {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		s.bcryptCost = cost
	}
	return s
}

func (s *IdentityService) Register(ctx context.Context, in RegisterInput) (models.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	in.Phone = strings.TrimSpace(in.Phone)
	switch {
	case in.Username == "":
		return models.User{}, fmt.Errorf("%w: username", domain.ErrMissingField)
	case len(in.Username) > maxUsernameLength:
		return models.User{}, fmt.Errorf("%w: username longer than %d", domain.ErrInvalidPayload, maxUsernameLength)
	case len(in.Password) < minPasswordLength:
		return models.User{}, fmt.Errorf("%w: password must be at least %d characters", domain.ErrInvalidPayload, minPasswordLength)
	case in.RegionID <= 0:
		return models.User{}, fmt.Errorf("%w: region_id", domain.ErrMissingField)
	}

	if _, err := s.store.GetRegion(ctx, in.RegionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.User{}, fmt.Errorf("%w: region %d", domain.ErrRegionNotConfigured, in.RegionID)
		}
		return models.User{}, fmt.Errorf("lookup region: %w", err)
	}
	shard, err := s.shards.Resolve(in.RegionID)
	if err != nil {
		return models.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := models.User{
		ID:           uuid.New(),
		Username:     in.Username,
		PasswordHash: string(hash),
		FullName:     strings.TrimSpace(in.FullName),
		Email:        in.Email,
		Phone:        in.Phone,
		RegionID:     in.RegionID,
	}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return models.User{}, mapDuplicateUser(err)
	}

	if _, err := shard.Queries().CreateAccount(ctx, user.ID); err != nil {
		// The catalog row is useless without an account; drop it so the
		// username can be retried.
		if delErr := s.store.DeleteUser(context.WithoutCancel(ctx), user.ID); delErr != nil {
			zap.L().Error("rollback catalog user after account failure",
				zap.String("user_id", user.ID.String()),
				zap.Error(delErr),
			)
		}
		return models.User{}, fmt.Errorf("create regional account: %w", err)
	}

	zap.L().Info("user registered",
		zap.String("user_id", user.ID.String()),
		zap.Int32("region_id", user.RegionID),
	)
	return user, nil
}

func mapDuplicateUser(err error) error {
	if !errors.Is(err, repository.ErrDuplicate) {
		return fmt.Errorf("create user: %w", err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "users_email_key"):
		return domain.ErrEmailTaken
	case strings.Contains(msg, "users_phone_key"):
		return domain.ErrPhoneTaken
	default:
		return domain.ErrUsernameTaken
	}
}

// Login verifies the password and issues a token. Unknown users and wrong
// passwords fail the same way.
func (s *IdentityService) Login(ctx context.Context, username, password string) (LoginResult, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return LoginResult{}, domain.ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return LoginResult{}, domain.ErrInvalidCredentials
	}

	shard, err := s.shards.Resolve(user.RegionID)
	if err != nil {
		return LoginResult{}, err
	}
	account, err := shard.Queries().GetAccount(ctx, user.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return LoginResult{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, user.ID)
		}
		return LoginResult{}, fmt.Errorf("load account: %w", err)
	}
	if err := shard.Queries().TouchAccount(ctx, user.ID, time.Now().UTC()); err != nil {
		zap.L().Warn("update last_seen failed", zap.String("user_id", user.ID.String()), zap.Error(err))
	}

	token, expires, err := s.tokens.Issue(user)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpiresAt: expires, User: user, Balance: account.Balance}, nil
}

// Lookup resolves a user by id.
func (s *IdentityService) Lookup(ctx context.Context, id uuid.UUID) (models.User, error) {
	user, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.User{}, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
		}
		return models.User{}, err
	}
	return user, nil
}
