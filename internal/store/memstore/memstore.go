// Package memstore is an in-process store.Store. Transactions are serialized
// by a single lock and rolled back by restoring a snapshot, which matches the
// isolation the services get from row locks in PostgreSQL.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustgate/internal/models"
	"trustgate/internal/store"
)

// Fault lets tests fail a named operation ("devices.save", "tokens.delete",
// ...). A nil return lets the operation proceed.
type Fault func(op string) error

type Option func(*state)

func WithFault(f Fault) Option {
	return func(s *state) { s.fault = f }
}

func WithClock(now func() time.Time) Option {
	return func(s *state) { s.now = now }
}

type data struct {
	roles       map[string]models.Role
	users       map[string]models.User
	devices     map[string]models.Device
	deviceOrder []string
	tokens      map[string]models.Token
	audit       []models.AuditLog
}

func (d *data) clone() *data {
	c := &data{
		roles:       make(map[string]models.Role, len(d.roles)),
		users:       make(map[string]models.User, len(d.users)),
		devices:     make(map[string]models.Device, len(d.devices)),
		deviceOrder: append([]string(nil), d.deviceOrder...),
		tokens:      make(map[string]models.Token, len(d.tokens)),
		audit:       append([]models.AuditLog(nil), d.audit...),
	}
	for k, v := range d.roles {
		c.roles[k] = v
	}
	for k, v := range d.users {
		v.Roles = append([]models.Role(nil), v.Roles...)
		c.users[k] = v
	}
	for k, v := range d.devices {
		c.devices[k] = v
	}
	for k, v := range d.tokens {
		c.tokens[k] = v
	}
	return c
}

type state struct {
	txMu  sync.Mutex
	mu    sync.Mutex
	d     *data
	fault Fault
	now   func() time.Time
}

type Store struct {
	st   *state
	inTx bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty store seeded with the Administrator and User roles.
func New(opts ...Option) *Store {
	st := &state{
		d: &data{
			roles:   map[string]models.Role{},
			users:   map[string]models.User{},
			devices: map[string]models.Device{},
			tokens:  map[string]models.Token{},
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(st)
	}
	st.d.roles[models.RoleAdministrator] = models.Role{ID: 1, Name: models.RoleAdministrator}
	st.d.roles[models.RoleUser] = models.Role{ID: 2, Name: models.RoleUser}
	return &Store{st: st}
}

func (s *Store) Users() store.UserRepository     { return &userRepo{st: s.st, inTx: s.inTx} }
func (s *Store) Devices() store.DeviceRepository { return &deviceRepo{st: s.st, inTx: s.inTx} }
func (s *Store) Tokens() store.TokenRepository   { return &tokenRepo{st: s.st, inTx: s.inTx} }
func (s *Store) Audit() store.AuditRepository    { return &auditRepo{st: s.st, inTx: s.inTx} }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) (err error) {
	if !s.inTx {
		s.st.txMu.Lock()
		defer s.st.txMu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.st.mu.Lock()
	snapshot := s.st.d.clone()
	s.st.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			s.restore(snapshot)
			panic(p)
		}
		if err != nil {
			s.restore(snapshot)
		}
	}()
	return fn(ctx, &Store{st: s.st, inTx: true})
}

func (s *Store) restore(snapshot *data) {
	s.st.mu.Lock()
	s.st.d = snapshot
	s.st.mu.Unlock()
}

// lockWrite makes a write outside a transaction wait for any open one, so a
// rollback restoring its snapshot cannot discard the write.
func (st *state) lockWrite(inTx bool) func() {
	if !inTx {
		st.txMu.Lock()
	}
	st.mu.Lock()
	return func() {
		st.mu.Unlock()
		if !inTx {
			st.txMu.Unlock()
		}
	}
}

func (st *state) check(op string) error {
	if st.fault == nil {
		return nil
	}
	if err := st.fault(op); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

type userRepo struct {
	st   *state
	inTx bool
}

func (r *userRepo) Create(_ context.Context, u *models.User) error {
	defer r.st.lockWrite(r.inTx)()
	if err := r.st.check("users.create"); err != nil {
		return err
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	for _, existing := range r.st.d.users {
		if existing.Email == u.Email {
			return fmt.Errorf("%w: email %s", store.ErrDuplicate, u.Email)
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := r.st.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	stored := *u
	stored.Devices = nil
	stored.Roles = append([]models.Role(nil), u.Roles...)
	r.st.d.users[u.ID] = stored
	return nil
}

func (r *userRepo) FindByID(_ context.Context, id string) (*models.User, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	u, ok := r.st.d.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	u.Roles = append([]models.Role(nil), u.Roles...)
	return &u, nil
}

func (r *userRepo) FindByEmail(_ context.Context, email string) (*models.User, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range r.st.d.users {
		if u.Email == email {
			u.Roles = append([]models.Role(nil), u.Roles...)
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *userRepo) FindWithDevices(_ context.Context, id string) (*models.User, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	u, ok := r.st.d.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	u.Roles = append([]models.Role(nil), u.Roles...)
	u.Devices = r.st.devicesOf(id)
	return &u, nil
}

func (r *userRepo) List(_ context.Context) ([]models.User, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	users := make([]models.User, 0, len(r.st.d.users))
	for _, u := range r.st.d.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.After(users[j].CreatedAt) })
	return users, nil
}

func (r *userRepo) UpdatePassword(_ context.Context, id, hash string) error {
	defer r.st.lockWrite(r.inTx)()
	if err := r.st.check("users.update_password"); err != nil {
		return err
	}
	u, ok := r.st.d.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = r.st.now()
	r.st.d.users[id] = u
	return nil
}

func (r *userRepo) SetActive(_ context.Context, id string, active bool) error {
	defer r.st.lockWrite(r.inTx)()
	if err := r.st.check("users.set_active"); err != nil {
		return err
	}
	u, ok := r.st.d.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.IsActive = active
	u.UpdatedAt = r.st.now()
	r.st.d.users[id] = u
	return nil
}

// LockForUpdate only checks existence; WithinTx already holds the global lock.
func (r *userRepo) LockForUpdate(_ context.Context, id string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.d.users[id]; !ok {
		return store.ErrNotFound
	}
	return nil
}

func (r *userRepo) RolesByName(_ context.Context, names ...string) ([]models.Role, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var roles []models.Role
	for _, n := range names {
		if role, ok := r.st.d.roles[n]; ok {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

// devicesOf must be called with mu held.
func (st *state) devicesOf(userID string) []models.Device {
	var out []models.Device
	for _, id := range st.d.deviceOrder {
		if d := st.d.devices[id]; d.UserID == userID {
			out = append(out, d)
		}
	}
	return out
}

func (st *state) userRef(id *string) *models.User {
	if id == nil {
		return nil
	}
	u, ok := st.d.users[*id]
	if !ok {
		return nil
	}
	return &u
}

type deviceRepo struct {
	st   *state
	inTx bool
}

func (r *deviceRepo) Create(_ context.Context, d *models.Device) error {
	defer r.st.lockWrite(r.inTx)()
	if err := r.st.check("devices.create"); err != nil {
		return err
	}
	if _, ok := r.st.d.users[d.UserID]; !ok {
		return fmt.Errorf("device owner %s does not exist", d.UserID)
	}
	for _, existing := range r.st.d.devices {
		if existing.UserID == d.UserID && existing.DeviceIdentifier == d.DeviceIdentifier {
			return fmt.Errorf("%w: device %s", store.ErrDuplicate, d.DeviceIdentifier)
		}
	}
	if err := r.checkSingleApproved(d); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = models.DeviceStatusPending
	}
	now := r.st.now()
	d.CreatedAt, d.UpdatedAt = now, now
	stored := *d
	stored.User, stored.Approver = nil, nil
	r.st.d.devices[d.ID] = stored
	r.st.d.deviceOrder = append(r.st.d.deviceOrder, d.ID)
	return nil
}

func (r *deviceRepo) Save(_ context.Context, d *models.Device) error {
	defer r.st.lockWrite(r.inTx)()
	if err := r.st.check("devices.save"); err != nil {
		return err
	}
	if _, ok := r.st.d.devices[d.ID]; !ok {
		return store.ErrNotFound
	}
	if err := r.checkSingleApproved(d); err != nil {
		return err
	}
	d.UpdatedAt = r.st.now()
	stored := *d
	stored.User, stored.Approver = nil, nil
	r.st.d.devices[d.ID] = stored
	return nil
}

// checkSingleApproved mirrors the partial unique index on devices(user_id)
// where status = 'approved'.
func (r *deviceRepo) checkSingleApproved(d *models.Device) error {
	if d.Status != models.DeviceStatusApproved {
		return nil
	}
	for _, other := range r.st.d.devices {
		if other.ID != d.ID && other.UserID == d.UserID && other.Status == models.DeviceStatusApproved {
			return fmt.Errorf("%w: user %s already has an approved device", store.ErrDuplicate, d.UserID)
		}
	}
	return nil
}

func (r *deviceRepo) FindByID(_ context.Context, id string) (*models.Device, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	d, ok := r.st.d.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (r *deviceRepo) FindDetailed(_ context.Context, id string) (*models.Device, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	d, ok := r.st.d.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	d.User = r.st.userRef(&d.UserID)
	d.Approver = r.st.userRef(d.ApprovedBy)
	return &d, nil
}

func (r *deviceRepo) FindByIdentifier(_ context.Context, userID, identifier string) (*models.Device, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, d := range r.st.d.devices {
		if d.UserID == userID && d.DeviceIdentifier == identifier {
			return &d, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *deviceRepo) FindApprovedExcept(_ context.Context, userID, exceptID string) (*models.Device, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, d := range r.st.devicesOf(userID) {
		if d.Status == models.DeviceStatusApproved && d.ID != exceptID {
			return &d, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *deviceRepo) ListByUser(_ context.Context, userID string) ([]models.Device, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.devicesOf(userID), nil
}

func (r *deviceRepo) List(_ context.Context, f store.DeviceFilter) ([]models.Device, int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var matched []models.Device
	for i := len(r.st.d.deviceOrder) - 1; i >= 0; i-- {
		d := r.st.d.devices[r.st.d.deviceOrder[i]]
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		matched = append(matched, d)
	}
	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []models.Device{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	for i := range matched {
		matched[i].User = r.st.userRef(&matched[i].UserID)
		matched[i].Approver = r.st.userRef(matched[i].ApprovedBy)
	}
	return matched, total, nil
}

func (r *deviceRepo) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	defer r.st.lockWrite(r.inTx)()
	if err := r.st.check("devices.touch"); err != nil {
		return err
	}
	d, ok := r.st.d.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	d.LastUsedAt = &at
	r.st.d.devices[id] = d
	return nil
}

func (r *deviceRepo) RecordLogin(_ context.Context, id, ip string, at time.Time) error {
	defer r.st.lockWrite(r.inTx)()
	if err := r.st.check("devices.record_login"); err != nil {
		return err
	}
	d, ok := r.st.d.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	d.LastLoginIP = &ip
	d.LastLoginAt = &at
	r.st.d.devices[id] = d
	return nil
}

func (r *deviceRepo) CountApproved(_ context.Context, userID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, d := range r.st.d.devices {
		if d.UserID == userID && d.Status == models.DeviceStatusApproved {
			n++
		}
	}
	return n, nil
}

type tokenRepo struct {
	st   *state
	inTx bool
}

func (r *tokenRepo) Create(_ context.Context, t *models.Token) error {
	defer r.st.lockWrite(r.inTx)()
	if err := r.st.check("tokens.create"); err != nil {
		return err
	}
	for _, existing := range r.st.d.tokens {
		if existing.Name == t.Name {
			return fmt.Errorf("%w: token %s", store.ErrDuplicate, t.Name)
		}
	}
	if _, ok := r.st.d.tokens[t.ID]; ok {
		return fmt.Errorf("%w: token id %s", store.ErrDuplicate, t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.st.now()
	}
	r.st.d.tokens[t.ID] = *t
	return nil
}

func (r *tokenRepo) FindByID(_ context.Context, id string) (*models.Token, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	t, ok := r.st.d.tokens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (r *tokenRepo) FindByName(_ context.Context, name string) ([]models.Token, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []models.Token
	for _, t := range r.st.d.tokens {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *tokenRepo) DeleteByName(_ context.Context, userID, name string) (int64, error) {
	defer r.st.lockWrite(r.inTx)()
	if err := r.st.check("tokens.delete"); err != nil {
		return 0, err
	}
	var n int64
	for id, t := range r.st.d.tokens {
		if t.UserID == userID && t.Name == name {
			delete(r.st.d.tokens, id)
			n++
		}
	}
	return n, nil
}

func (r *tokenRepo) DeleteByUser(_ context.Context, userID string) (int64, error) {
	defer r.st.lockWrite(r.inTx)()
	if err := r.st.check("tokens.delete"); err != nil {
		return 0, err
	}
	var n int64
	for id, t := range r.st.d.tokens {
		if t.UserID == userID {
			delete(r.st.d.tokens, id)
			n++
		}
	}
	return n, nil
}

func (r *tokenRepo) CountByUser(_ context.Context, userID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, t := range r.st.d.tokens {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *tokenRepo) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	defer r.st.lockWrite(r.inTx)()
	t, ok := r.st.d.tokens[id]
	if !ok {
		return store.ErrNotFound
	}
	t.LastUsedAt = &at
	r.st.d.tokens[id] = t
	return nil
}

type auditRepo struct {
	st   *state
	inTx bool
}

func (r *auditRepo) Record(_ context.Context, entry *models.AuditLog) error {
	defer r.st.lockWrite(r.inTx)()
	if err := r.st.check("audit.record"); err != nil {
		return err
	}
	entry.ID = int64(len(r.st.d.audit) + 1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.st.now()
	}
	r.st.d.audit = append(r.st.d.audit, *entry)
	return nil
}

func (r *auditRepo) Recent(_ context.Context, limit int) ([]models.AuditLog, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := make([]models.AuditLog, 0, limit)
	for i := len(r.st.d.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.st.d.audit[i])
	}
	return out, nil
}
