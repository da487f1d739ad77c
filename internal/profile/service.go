package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
	profilerepo "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/repo"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/database"
)

// PasswordHasher defines minimal hashing interface.
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pw string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

var (
	ErrNotFound       = errors.New("profile not found")
	ErrInactive       = errors.New("profile inactive")
	ErrBadCredentials = errors.New("invalid credentials")
	ErrExists         = errors.New("profile already exists")
	ErrInvalid        = errors.New("invalid profile")
	ErrForbidden      = errors.New("city not accessible")
)

// Service resolves who a user is and which cities they may work in.
type Service struct {
	repo    *profilerepo.ProfileRepo
	hasher  PasswordHasher
	cities  []string
	logger  *zap.SugaredLogger
	timeout time.Duration
}

// NewService builds the service. cities is the configured city catalogue.
func NewService(db *sqlx.DB, cities []string, hasher PasswordHasher, logger *zap.SugaredLogger) *Service {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 12}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		repo:    profilerepo.NewProfileRepo(db),
		hasher:  hasher,
		cities:  slices.Clone(cities),
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Cities returns the configured catalogue.
func (s *Service) Cities() []string { return slices.Clone(s.cities) }

// identityOf derives the read-only view. Super admins get the whole
// catalogue; everyone else keeps the catalogue cities they were assigned.
func (s *Service) identityOf(p *entity.Profile) entity.Identity {
	id := entity.Identity{UserID: p.ID, Username: p.Username, Role: p.Role}
	if p.Role == entity.RoleSuperAdmin {
		id.Cities = slices.Clone(s.cities)
	} else {
		for _, c := range p.Cities {
			if slices.Contains(s.cities, c) && !slices.Contains(id.Cities, c) {
				id.Cities = append(id.Cities, c)
			}
		}
	}
	if p.CurrentCity != nil && id.CanAccess(*p.CurrentCity) {
		id.CurrentCity = *p.CurrentCity
	} else if len(id.Cities) > 0 {
		id.CurrentCity = id.Cities[0]
	}
	return id
}

// Authenticate checks a password by email or username.
func (s *Service) Authenticate(ctx context.Context, identifier, password string) (entity.Identity, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return entity.Identity{}, ErrBadCredentials
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var p *entity.Profile
	var err error
	if strings.Contains(identifier, "@") {
		p, err = s.repo.GetByEmail(ctx, identifier)
	} else {
		p, err = s.repo.GetByUsername(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Identity{}, ErrBadCredentials
		} // avoid user enumeration
		return entity.Identity{}, err
	}
	if p.PasswordHash == nil || *p.PasswordHash == "" || !s.hasher.Verify(*p.PasswordHash, password) {
		return entity.Identity{}, ErrBadCredentials
	}
	if !p.IsActive {
		return entity.Identity{}, ErrInactive
	}
	return s.identityOf(p), nil
}

// Identity loads the current view of a user. Inactive users are rejected.
func (s *Service) Identity(ctx context.Context, userID string) (entity.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	p, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Identity{}, ErrNotFound
		}
		return entity.Identity{}, err
	}
	if !p.IsActive {
		return entity.Identity{}, ErrInactive
	}
	return s.identityOf(p), nil
}

// RecordCurrentScope persists the city the user switched to.
func (s *Service) RecordCurrentScope(ctx context.Context, id entity.Identity, city string) error {
	if !id.CanAccess(city) {
		return fmt.Errorf("%w: %s", ErrForbidden, city)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.UpdateCurrentCity(ctx, id.UserID, city)
}

// NewProfile is the input of Create.
type NewProfile struct {
	Email    string
	Username string
	Password string
	Role     entity.Role
	Cities   []string
}

// Create registers a profile. Used by the admin CLI.
func (s *Service) Create(ctx context.Context, in NewProfile) (*entity.Profile, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.Username = strings.TrimSpace(in.Username)
	if in.Email == "" || in.Username == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: email, username and password are required", ErrInvalid)
	}
	if in.Role == "" {
		in.Role = entity.RoleUser
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalid, in.Role)
	}
	for _, c := range in.Cities {
		if !slices.Contains(s.cities, c) {
			return nil, fmt.Errorf("%w: unknown city %q", ErrInvalid, c)
		}
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	p := &entity.Profile{
		ID:           uuid.NewString(),
		Email:        in.Email,
		Username:     in.Username,
		PasswordHash: &hash,
		Role:         in.Role,
		Cities:       entity.CityList(in.Cities),
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if len(in.Cities) > 0 {
		p.CurrentCity = &in.Cities[0]
	}
	if err := s.repo.Create(ctx, p); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrExists, in.Username)
		}
		return nil, err
	}
	s.logger.Infow("profile created", "id", p.ID, "username", p.Username, "role", p.Role)
	return p, nil
}

// Operator is the identity of the command-line tool. It is a super admin
// that matches no profile, so the self-protection rules never apply to it.
var Operator = entity.Identity{Username: "warehousectl", Role: entity.RoleSuperAdmin}

// List returns every profile for the user management screen.
func (s *Service) List(ctx context.Context, actor entity.Identity) ([]entity.Summary, error) {
	if !actor.Role.AtLeast(entity.RoleAdmin) {
		return nil, fmt.Errorf("%w: listing profiles requires admin", ErrForbidden)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]entity.Summary, 0, len(rows))
	for _, p := range rows {
		out = append(out, p.Summary())
	}
	return out, nil
}

// Change is an admin edit of a profile. Nil fields stay as they are.
type Change struct {
	Username *string      `json:"username,omitempty"`
	Role     *entity.Role `json:"role,omitempty"`
	Cities   *[]string    `json:"cities,omitempty"`
	Active   *bool        `json:"active,omitempty"`
}

// target loads userID and checks that actor may manage it. Admins manage
// everyone but super admins; nobody changes their own role or status.
func (s *Service) target(ctx context.Context, actor entity.Identity, userID string) (*entity.Profile, error) {
	if !actor.Role.AtLeast(entity.RoleAdmin) {
		return nil, fmt.Errorf("%w: managing profiles requires admin", ErrForbidden)
	}
	p, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
		}
		return nil, err
	}
	if p.Role == entity.RoleSuperAdmin && actor.Role != entity.RoleSuperAdmin {
		return nil, fmt.Errorf("%w: %s is a super admin", ErrForbidden, p.Username)
	}
	return p, nil
}

// Update applies ch to userID on behalf of actor and returns the result.
func (s *Service) Update(ctx context.Context, actor entity.Identity, userID string, ch Change) (entity.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	p, err := s.target(ctx, actor, userID)
	if err != nil {
		return entity.Summary{}, err
	}
	self := actor.UserID != "" && actor.UserID == p.ID

	set := map[string]any{}
	if ch.Username != nil {
		name := strings.TrimSpace(*ch.Username)
		if name == "" {
			return entity.Summary{}, fmt.Errorf("%w: username must not be empty", ErrInvalid)
		}
		if name != p.Username {
			set["username"] = name
		}
	}
	if ch.Role != nil && *ch.Role != p.Role {
		switch {
		case !ch.Role.Valid():
			return entity.Summary{}, fmt.Errorf("%w: unknown role %q", ErrInvalid, *ch.Role)
		case self:
			return entity.Summary{}, fmt.Errorf("%w: cannot change your own role", ErrForbidden)
		case *ch.Role == entity.RoleSuperAdmin && actor.Role != entity.RoleSuperAdmin:
			return entity.Summary{}, fmt.Errorf("%w: only a super admin grants super admin", ErrForbidden)
		}
		set["role"] = *ch.Role
	}
	if ch.Cities != nil {
		var cities entity.CityList
		for _, c := range *ch.Cities {
			c = strings.TrimSpace(c)
			if !slices.Contains(s.cities, c) {
				return entity.Summary{}, fmt.Errorf("%w: unknown city %q", ErrInvalid, c)
			}
			if !slices.Contains(cities, c) {
				cities = append(cities, c)
			}
		}
		set["cities"] = cities
		if p.CurrentCity == nil || !slices.Contains(cities, *p.CurrentCity) {
			var current *string
			if len(cities) > 0 {
				current = &cities[0]
			}
			set["current_city"] = current
		}
	}
	if ch.Active != nil && *ch.Active != p.IsActive {
		if self {
			return entity.Summary{}, fmt.Errorf("%w: cannot disable yourself", ErrForbidden)
		}
		set["is_active"] = *ch.Active
	}
	if len(set) == 0 {
		if ch == (Change{}) {
			return entity.Summary{}, fmt.Errorf("%w: nothing to change", ErrInvalid)
		}
		return p.Summary(), nil
	}

	if err := s.repo.Update(ctx, p.ID, set); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return entity.Summary{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
		case database.IsUniqueViolation(err):
			return entity.Summary{}, fmt.Errorf("%w: username %v", ErrExists, set["username"])
		}
		return entity.Summary{}, err
	}
	updated, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return entity.Summary{}, err
	}
	s.logger.Infow("profile updated", "id", p.ID, "by", actor.Username, "fields", len(set))
	return updated.Summary(), nil
}

// SetRole changes the role of userID.
func (s *Service) SetRole(ctx context.Context, actor entity.Identity, userID string, role entity.Role) error {
	_, err := s.Update(ctx, actor, userID, Change{Role: &role})
	return err
}

// SetCities replaces the cities userID may work in.
func (s *Service) SetCities(ctx context.Context, actor entity.Identity, userID string, cities []string) error {
	_, err := s.Update(ctx, actor, userID, Change{Cities: &cities})
	return err
}

// Rename changes the username; it must stay unique.
func (s *Service) Rename(ctx context.Context, actor entity.Identity, userID, username string) error {
	_, err := s.Update(ctx, actor, userID, Change{Username: &username})
	return err
}

// SetActive enables or disables a profile.
func (s *Service) SetActive(ctx context.Context, actor entity.Identity, userID string, active bool) error {
	_, err := s.Update(ctx, actor, userID, Change{Active: &active})
	return err
}

// Delete removes userID. Nobody deletes their own profile.
func (s *Service) Delete(ctx context.Context, actor entity.Identity, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	p, err := s.target(ctx, actor, userID)
	if err != nil {
		return err
	}
	if actor.UserID != "" && actor.UserID == p.ID {
		return fmt.Errorf("%w: cannot delete yourself", ErrForbidden)
	}
	if err := s.repo.Delete(ctx, p.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, userID)
		}
		return err
	}
	s.logger.Infow("profile deleted", "id", p.ID, "username", p.Username, "by", actor.Username)
	return nil
}
