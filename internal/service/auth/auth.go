package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/metrics"
	"github.com/jrammler/httprun/internal/storage"
)

var UnauthenticatedError = errors.New("Provided token is invalid")
var ForbiddenError = errors.New("Access denied")
var TokenGenerationError = errors.New("Error while generating token")
var InvalidTokenRequestError = errors.New("Token request is invalid")
var TokenNotFoundError = errors.New("Token not found")

const (
	defaultExpiry   = 24 * time.Hour
	fallbackExpiry  = 365 * 24 * time.Hour
	permanentExpiry = -1
	reissuedName    = "admin (reissued)"
)

type CreateTokenRequest struct {
	Name             string   `json:"name"`
	Commands         []string `json:"commands"`
	IsAdmin          bool     `json:"isAdmin"`
	ExpiresIn        *int     `json:"expiresIn"`
	AllowedStartTime string   `json:"allowedStartTime"`
	AllowedEndTime   string   `json:"allowedEndTime"`
	AllowedWeekdays  []int    `json:"allowedWeekdays"`
	Remark           string   `json:"remark"`
}

type AuthService struct {
	store    storage.TokenStore
	cache    VerifyCache
	hashCost int
	location *time.Location
	now      func() time.Time
}

func NewAuthService(store storage.TokenStore, cache VerifyCache, hashCost int, location *time.Location) *AuthService {
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}
	if location == nil {
		location = time.Local
	}
	return &AuthService{
		store:    store,
		cache:    cache,
		hashCost: hashCost,
		location: location,
		now:      time.Now,
	}
}

func HashSecret(secret string, cost int) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	return string(bytes), err
}

func checkSecretHash(secret string, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	return err == nil
}

func generateSecret() (string, error) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(secret), nil
}

func cacheKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func reject(reason string) error {
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	return UnauthenticatedError
}

// SplitSubject turns a stored subject into the list of command patterns.
func SplitSubject(subject string) []string {
	var patterns []string
	for _, p := range strings.Split(subject, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// Authenticate resolves a bearer value of the form <id>.<secret>. The token
// is read from storage on every call so that revocation takes effect at
// once.
func (s *AuthService) Authenticate(ctx context.Context, value string) (*entity.AuthContext, error) {
	id, secret, ok := strings.Cut(value, ".")
	if !ok || id == "" || secret == "" {
		return nil, reject("malformed")
	}
	token, err := s.store.GetToken(ctx, id)
	if errors.Is(err, storage.NotFoundError) {
		return nil, reject("unknown")
	}
	if err != nil {
		return nil, err
	}
	if token.Revoked {
		return nil, reject("revoked")
	}
	if token.IsExpired(s.now()) {
		return nil, reject("expired")
	}
	key := cacheKey(value)
	if !s.cache.Contains(ctx, key) {
		if !checkSecretHash(secret, token.SecretHash) {
			return nil, reject("secret")
		}
		s.cache.Add(ctx, key)
	}
	return &entity.AuthContext{
		TokenID:         token.ID,
		TokenName:       token.Name,
		IsAdmin:         token.IsAdmin,
		AllowedCommands: SplitSubject(token.Subject),
		Token:           *token,
		Value:           value,
	}, nil
}

// CanAccess reports whether the subject of auth covers commandName. Time
// windows are not considered.
func (s *AuthService) CanAccess(auth *entity.AuthContext, commandName string) bool {
	if auth == nil {
		return false
	}
	if auth.AllowsAll() {
		return true
	}
	for _, pattern := range auth.AllowedCommands {
		if pattern == commandName {
			return true
		}
		if ok, err := doublestar.Match(pattern, commandName); err == nil && ok {
			return true
		}
	}
	return false
}

// Authorize checks subject, weekday and time window for running
// commandName now.
func (s *AuthService) Authorize(auth *entity.AuthContext, commandName string) error {
	if !s.CanAccess(auth, commandName) {
		metrics.AuthFailures.WithLabelValues("subject").Inc()
		return fmt.Errorf("%w: token may not run %s", ForbiddenError, commandName)
	}
	if err := s.CheckWindow(auth.Token, s.now()); err != nil {
		metrics.AuthFailures.WithLabelValues("window").Inc()
		return err
	}
	return nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// isoWeekday maps time.Weekday to 1..7 with Monday as 1.
func isoWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// CheckWindow enforces the weekday list and the [start, end) window of
// token in the configured timezone.
func (s *AuthService) CheckWindow(token entity.Token, now time.Time) error {
	local := now.In(s.location)
	if len(token.AllowedWeekdays) > 0 && !slices.Contains(token.AllowedWeekdays, isoWeekday(local.Weekday())) {
		return fmt.Errorf("%w: token is not valid on %s", ForbiddenError, local.Weekday())
	}
	if token.AllowedStartTime == "" || token.AllowedEndTime == "" {
		return nil
	}
	start, err := parseClock(token.AllowedStartTime)
	if err != nil {
		return fmt.Errorf("%w: token has a malformed time window", ForbiddenError)
	}
	end, err := parseClock(token.AllowedEndTime)
	if err != nil {
		return fmt.Errorf("%w: token has a malformed time window", ForbiddenError)
	}
	current := local.Hour()*60 + local.Minute()
	if current < start || current >= end {
		return fmt.Errorf("%w: token is only valid between %s and %s", ForbiddenError,
			token.AllowedStartTime, token.AllowedEndTime)
	}
	return nil
}

func validateRequest(req *CreateTokenRequest) error {
	var errs []string
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		errs = append(errs, "name is required")
	}
	for _, c := range req.Commands {
		if strings.Contains(c, ",") {
			errs = append(errs, fmt.Sprintf("command pattern %q must not contain ','", c))
		} else if !doublestar.ValidatePattern(c) {
			errs = append(errs, fmt.Sprintf("command pattern %q is malformed", c))
		}
	}
	if (req.AllowedStartTime == "") != (req.AllowedEndTime == "") {
		errs = append(errs, "allowedStartTime and allowedEndTime must be set together")
	} else if req.AllowedStartTime != "" {
		start, errStart := parseClock(req.AllowedStartTime)
		end, errEnd := parseClock(req.AllowedEndTime)
		switch {
		case errStart != nil || errEnd != nil:
			errs = append(errs, "allowed times must use HH:mm")
		case start >= end:
			errs = append(errs, "allowedStartTime must be before allowedEndTime")
		}
	}
	for _, d := range req.AllowedWeekdays {
		if d < 1 || d > 7 {
			errs = append(errs, fmt.Sprintf("weekday %d is out of range 1..7", d))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", InvalidTokenRequestError, strings.Join(errs, "; "))
	}
	return nil
}

func expiry(issued time.Time, expiresIn *int) *time.Time {
	d := defaultExpiry
	if expiresIn != nil {
		switch {
		case *expiresIn == permanentExpiry:
			return nil
		case *expiresIn <= 0:
			d = fallbackExpiry
		default:
			d = time.Duration(*expiresIn) * time.Hour
		}
	}
	t := issued.Add(d)
	return &t
}

// newToken builds a token with a fresh id and secret. Nothing is stored.
func (s *AuthService) newToken(token entity.Token) (*entity.IssuedToken, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, TokenGenerationError
	}
	hash, err := HashSecret(secret, s.hashCost)
	if err != nil {
		return nil, TokenGenerationError
	}
	token.ID = uuid.NewString()
	token.SecretHash = hash
	if token.IssuedAt.IsZero() {
		token.IssuedAt = s.now()
	}
	return &entity.IssuedToken{Token: token, Value: token.ID + "." + secret}, nil
}

func (s *AuthService) newAdmin(name string) (*entity.IssuedToken, error) {
	return s.newToken(entity.Token{Name: name, IsAdmin: true})
}

func (s *AuthService) CreateToken(ctx context.Context, req CreateTokenRequest) (*entity.IssuedToken, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	weekdays := slices.Clone(req.AllowedWeekdays)
	slices.Sort(weekdays)
	weekdays = slices.Compact(weekdays)
	now := s.now()
	issued, err := s.newToken(entity.Token{
		Name:             req.Name,
		Subject:          strings.Join(req.Commands, ","),
		IsAdmin:          req.IsAdmin,
		IssuedAt:         now,
		ExpiresAt:        expiry(now, req.ExpiresIn),
		AllowedStartTime: req.AllowedStartTime,
		AllowedEndTime:   req.AllowedEndTime,
		AllowedWeekdays:  weekdays,
		Remark:           req.Remark,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateToken(ctx, &issued.Token); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Token created", "token_id", issued.ID, "token_name", issued.Name, "is_admin", issued.IsAdmin)
	return issued, nil
}

func (s *AuthService) GetTokens(ctx context.Context) ([]entity.Token, error) {
	return s.store.ListTokens(ctx)
}

type removeFunc func(ctx context.Context, ids []string, now time.Time, replacement *entity.Token) (int, bool, error)

// remove applies fn and reports the replacement admin if one had to be
// issued because no usable admin was left.
func (s *AuthService) remove(ctx context.Context, action string, ids []string, fn removeFunc) (int, *entity.IssuedToken, error) {
	replacement, err := s.newAdmin(reissuedName)
	if err != nil {
		return 0, nil, err
	}
	n, reissued, err := fn(ctx, ids, s.now(), &replacement.Token)
	if err != nil {
		return 0, nil, err
	}
	if n == 0 {
		return 0, nil, fmt.Errorf("%w: %s", TokenNotFoundError, strings.Join(ids, ","))
	}
	slog.InfoContext(ctx, "Tokens "+action, "token_ids", ids, "count", n)
	if !reissued {
		return n, nil, nil
	}
	slog.WarnContext(ctx, "No usable admin token left, issued a new one", "token_id", replacement.ID)
	return n, replacement, nil
}

func (s *AuthService) DeleteTokens(ctx context.Context, ids []string) (int, *entity.IssuedToken, error) {
	return s.remove(ctx, "deleted", ids, s.store.DeleteTokens)
}

func (s *AuthService) RevokeTokens(ctx context.Context, ids []string) (int, *entity.IssuedToken, error) {
	return s.remove(ctx, "revoked", ids, s.store.RevokeTokens)
}

// IssueAdmin creates an admin token unconditionally.
func (s *AuthService) IssueAdmin(ctx context.Context, name string) (*entity.IssuedToken, error) {
	issued, err := s.newAdmin(name)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateToken(ctx, &issued.Token); err != nil {
		return nil, err
	}
	return issued, nil
}

// EnsureAdmin issues an admin token if none is usable. It returns nil when
// an admin already exists.
func (s *AuthService) EnsureAdmin(ctx context.Context) (*entity.IssuedToken, error) {
	n, err := s.store.CountUsableAdmins(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}
	issued, err := s.IssueAdmin(ctx, "admin")
	if err != nil {
		return nil, err
	}
	slog.WarnContext(ctx, "Issued initial admin token, store it now, it is not shown again",
		"token_id", issued.ID, "token", issued.Value)
	return issued, nil
}

func (s *AuthService) CleanExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpiredTokens(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.InfoContext(ctx, "Expired tokens removed", "count", n)
	}
	return n, nil
}
