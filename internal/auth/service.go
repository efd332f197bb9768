package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deskchat/deskchat/internal/db"
	"github.com/deskchat/deskchat/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrEmailTaken      = errors.New("email already in use")
	ErrBadCredentials  = errors.New("invalid email or password")
	ErrUserDeactivated = errors.New("user deactivated")
	ErrNoCompany       = errors.New("company name is required")
	ErrUnknownCompany  = errors.New("company not found")
)

// Account is the public view of a user returned by the HTTP endpoints.
type Account struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Email     string         `json:"email"`
	Role      string         `json:"role"`
	CompanyID string         `json:"companyId"`
	Company   CompanySummary `json:"company"`
}

// CompanySummary is the tenant embedded in an Account.
type CompanySummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Plan string `json:"plan"`
}

// Session is the result of a successful register or login.
type Session struct {
	User  Account `json:"user"`
	Token string  `json:"token"`
}

// RegisterInput is the payload of a registration.
type RegisterInput struct {
	Name        string `json:"name" binding:"required,min=2"`
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=6"`
	CompanyName string `json:"companyName"`
	CNPJ        string `json:"cnpj"`
	Role        string `json:"-"`
	CompanyID   string `json:"-"` // attach to an existing company
}

// LoginInput is the payload of a login.
type LoginInput struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

// Service implements account registration, login, refresh and lookup.
type Service struct {
	db         *gorm.DB
	tokens     *Tokens
	bcryptCost int
	demoTenant string
}

// ServiceOpts configures a Service.
type ServiceOpts struct {
	DB         *gorm.DB
	Tokens     *Tokens
	BcryptCost int
	// DemoTenant, when non-empty, names the company that registrations
	// without a company name are attached to. Empty disables the fallback.
	DemoTenant string
}

// NewService validates opts and returns a Service.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("auth: db is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("auth: tokens is required")
	}
	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{db: opts.DB, tokens: opts.Tokens, bcryptCost: cost, demoTenant: opts.DemoTenant}, nil
}

// Register creates a user, and a company when CompanyName is given.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	email := normalizeEmail(in.Email)
	name := strings.TrimSpace(in.Name)
	if name == "" || email == "" || in.Password == "" {
		return nil, fmt.Errorf("auth: register: name, email and password are required")
	}
	role := in.Role
	if role == "" {
		role = models.RoleAgent
	}
	if role != models.RoleAgent && role != models.RoleContact {
		return nil, fmt.Errorf("auth: register: unknown role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth: register: hash password: %w", err)
	}

	var user models.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailTaken
		}

		var (
			company *models.Company
			cerr    error
		)
		switch {
		case in.CompanyID != "":
			var existing models.Company
			if err := tx.Where("id = ?", in.CompanyID).First(&existing).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrUnknownCompany
				}
				return err
			}
			company = &existing
		case strings.TrimSpace(in.CompanyName) != "":
			company, cerr = db.CreateCompany(tx, in.CompanyName, in.CNPJ)
		case s.demoTenant != "":
			company, cerr = db.EnsureDemoCompany(tx, s.demoTenant)
		default:
			return ErrNoCompany
		}
		if cerr != nil {
			return cerr
		}

		user = models.User{
			Name:         name,
			Email:        email,
			PasswordHash: string(hash),
			Role:         role,
			CompanyID:    company.ID,
			Active:       true,
			Company:      *company,
		}
		return tx.Omit("Company").Create(&user).Error
	})
	if err != nil {
		if errors.Is(err, ErrEmailTaken) || errors.Is(err, ErrNoCompany) || errors.Is(err, ErrUnknownCompany) {
			return nil, err
		}
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	return s.session(&user)
}

// Login checks credentials and issues a fresh token.
func (s *Service) Login(ctx context.Context, in LoginInput) (*Session, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("Company").Where("email = ?", normalizeEmail(in.Email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.Password)) != nil {
		return nil, ErrBadCredentials
	}
	if !user.Active {
		return nil, ErrUserDeactivated
	}
	return s.session(&user)
}

// Me returns the account for userID, failing with ErrInactiveIdentity when
// the user is missing or deactivated.
func (s *Service) Me(ctx context.Context, userID string) (*Account, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	acct := toAccount(user)
	return &acct, nil
}

// Refresh issues a new token for an active user.
func (s *Service) Refresh(ctx context.Context, userID string) (string, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.tokens.Issue(identityOf(user))
}

// SetActive flips a user's active flag.
func (s *Service) SetActive(ctx context.Context, email string, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ?", normalizeEmail(email)).
		Update("active", active)
	if res.Error != nil {
		return fmt.Errorf("auth: set active: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("auth: set active: no user with email %q", email)
	}
	return nil
}

func (s *Service) activeUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("Company").Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInactiveIdentity
	}
	if err != nil {
		return nil, fmt.Errorf("auth: load user: %w", err)
	}
	if !user.Active {
		return nil, ErrInactiveIdentity
	}
	return &user, nil
}

func (s *Service) session(user *models.User) (*Session, error) {
	token, err := s.tokens.Issue(identityOf(user))
	if err != nil {
		return nil, err
	}
	return &Session{User: toAccount(user), Token: token}, nil
}

func identityOf(u *models.User) Identity {
	return Identity{UserID: u.ID, Email: u.Email, CompanyID: u.CompanyID, Role: u.Role, Name: u.Name}
}

func toAccount(u *models.User) Account {
	return Account{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		CompanyID: u.CompanyID,
		Company: CompanySummary{
			ID:   u.Company.ID,
			Name: u.Company.Name,
			Plan: u.Company.Plan,
		},
	}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
