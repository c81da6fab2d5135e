package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role 操作者角色（封闭集合）
type Role string

const (
	RoleStandard  Role = "standard"
	RoleModerator Role = "moderator"
	// RoleOwner 仅 owner 可执行密文编辑与删除等 vault 操作
	RoleOwner Role = "owner"
)

var validRoles = map[Role]struct{}{
	RoleStandard:  {},
	RoleModerator: {},
	RoleOwner:     {},
}

// Actor 已认证身份；SessionIssuedAt 供门禁做会话时效检查
type Actor struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	Role            Role      `json:"role"`
	Tier            string    `json:"tier,omitempty"`
	Active          bool      `json:"active"`
	SessionIssuedAt time.Time `json:"-"`
}

// record 持久化的操作者记录
// Password 存储哈希 (sha256 hex)
type record struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"password_hash"`
	Role      Role      `json:"role"`
	Tier      string    `json:"tier,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Claims 自定义 JWT claims（不设 exp，会话时效由门禁控制）
type Claims struct {
	Email  string `json:"email"`
	Role   Role   `json:"role"`
	Tier   string `json:"tier,omitempty"`
	Active bool   `json:"active"`
	jwt.RegisteredClaims
}

// Resolver 将请求凭证解析为 Actor；门禁、API 中间件与测试共用同一来源
type Resolver interface {
	Resolve(token string) (*Actor, error)
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrActorNotFound      = errors.New("actor not found")
	ErrActorExists        = errors.New("actor already exists")
)

// Manager 管理操作者及 JWT
// 简易文件存储 actors.json
type Manager struct {
	mu        sync.RWMutex
	actors    map[string]*record
	secretKey []byte
	storePath string

	now func() time.Time
}

// NewManager 创建管理器，secret 用于 JWT 签名
func NewManager(storeDir string, secret []byte) (*Manager, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret key required")
	}
	m := &Manager{
		actors:    map[string]*record{},
		secretKey: secret,
		storePath: filepath.Join(storeDir, "actors.json"),
		now:       time.Now,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// hashPassword 简单 sha256；生产系统应使用 bcrypt/argon2
func hashPassword(pw string) string {
	s := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(s[:])
}

func (m *Manager) load() error {
	b, err := os.ReadFile(m.storePath)
	if err != nil {
		return nil // first run
	}
	var arr []*record
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	for _, r := range arr {
		m.actors[r.ID] = r
	}
	return nil
}

// save 写入文件（全量）
func (m *Manager) save() error {
	arr := []*record{}
	for _, r := range m.actors {
		arr = append(arr, r)
	}
	b, _ := json.MarshalIndent(arr, "", "  ")
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, b, 0644)
}

// EnsureDefaultOwner 如果没有操作者则创建默认 owner
func (m *Manager) EnsureDefaultOwner(password string) error {
	if password == "" {
		return errors.New("default owner password required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.actors) > 0 {
		return nil
	}
	now := m.now()
	m.actors["owner"] = &record{
		ID: "owner", Email: "owner@localhost", Password: hashPassword(password),
		Role: RoleOwner, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	return m.save()
}

// CreateActor 创建操作者（ID 唯一）
func (m *Manager) CreateActor(id, email, password string, role Role, tier string) (*Actor, error) {
	if id == "" || email == "" || password == "" {
		return nil, errors.New("id, email and password required")
	}
	if _, ok := validRoles[role]; !ok {
		return nil, errors.New("invalid role: " + string(role))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.actors[id]; exists {
		return nil, ErrActorExists
	}
	now := m.now()
	r := &record{
		ID: id, Email: email, Password: hashPassword(password),
		Role: role, Tier: tier, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	m.actors[id] = r
	if err := m.save(); err != nil {
		return nil, err
	}
	return r.actor(), nil
}

// SetActive 启用/停用操作者
func (m *Manager) SetActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.actors[id]
	if !ok {
		return ErrActorNotFound
	}
	r.Active = active
	r.UpdatedAt = m.now()
	return m.save()
}

// SetRole 调整角色
func (m *Manager) SetRole(id string, role Role) error {
	if _, ok := validRoles[role]; !ok {
		return errors.New("invalid role: " + string(role))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.actors[id]
	if !ok {
		return ErrActorNotFound
	}
	r.Role = role
	r.UpdatedAt = m.now()
	return m.save()
}

// Get 获取单个操作者（隐藏密码）
func (m *Manager) Get(id string) (*Actor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.actors[id]
	if !ok {
		return nil, false
	}
	return r.actor(), true
}

// Authenticate 验证 ID 与密码
func (m *Manager) Authenticate(id, password string) (*Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.actors[id]
	if !ok || r.Password != hashPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return r.actor(), nil
}

// IssueToken 签发 HS256 token，iat 记录会话建立时间
func (m *Manager) IssueToken(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.actors[id]
	if !ok {
		return "", ErrActorNotFound
	}
	claims := Claims{
		Email:  r.Email,
		Role:   r.Role,
		Tier:   r.Tier,
		Active: r.Active,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  r.ID,
			IssuedAt: jwt.NewNumericDate(m.now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(m.secretKey)
}

// Resolve 验证 token 并返回 Actor；Active 与 Role 以当前记录为准，
// 不信任签发时刻的快照
func (m *Manager) Resolve(tokenStr string) (*Actor, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secretKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	r, found := m.actors[claims.Subject]
	if !found {
		return nil, ErrActorNotFound
	}
	actor := r.actor()
	if claims.IssuedAt != nil {
		actor.SessionIssuedAt = claims.IssuedAt.Time
	}
	return actor, nil
}

func (r *record) actor() *Actor {
	return &Actor{
		ID:     r.ID,
		Email:  r.Email,
		Role:   r.Role,
		Tier:   r.Tier,
		Active: r.Active,
	}
}
