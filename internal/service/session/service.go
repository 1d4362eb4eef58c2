package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luoxiaohei/rolechat/internal/model/persona"
	sessionModel "github.com/luoxiaohei/rolechat/internal/model/session"
)

var (
	ErrRolesRequired   = errors.New("at least one role is required")
	ErrSessionNotFound = errors.New("session not found")
)

// Mirror 把会话文档尽力同步到外部缓存，失败不影响主流程。
type Mirror interface {
	MirrorSession(ctx context.Context, sessionID, doc string)
}

// RoleRef 是创建会话时前端提交的角色引用。
type RoleRef struct {
	RoleID   string `json:"role_id"`
	RoleName string `json:"role_name"`
}

// Service 管理会话的创建与查询。核心回合流程只调用 Get。
type Service struct {
	mu       sync.RWMutex
	sessions map[string]sessionModel.Session

	personas persona.Store
	mirror   Mirror
}

// NewService 创建会话服务。mirror 可以为 nil。
func NewService(personas persona.Store, mirror Mirror) *Service {
	return &Service{
		sessions: make(map[string]sessionModel.Session),
		personas: personas,
		mirror:   mirror,
	}
}

// Create 创建会话并固化角色绑定：行为提示词在此刻从角色库解析复制，
// 之后角色库的变更不再影响已有会话。
func (s *Service) Create(ctx context.Context, classID, className, userID, userName string, roles []RoleRef) (sessionModel.Session, error) {
	if len(roles) == 0 {
		return sessionModel.Session{}, ErrRolesRequired
	}

	bindings := make([]sessionModel.PersonaBinding, 0, len(roles))
	roleNames := ""
	for _, ref := range roles {
		binding := sessionModel.PersonaBinding{
			PersonaID:   ref.RoleID,
			PersonaName: ref.RoleName,
		}
		if p, ok := s.personas.FindByID(ref.RoleID); ok {
			binding.BehaviorPrompt = p.BehaviorPrompt
			binding.Temperature = p.Temperature
			if binding.PersonaName == "" {
				binding.PersonaName = p.Name
			}
		}
		bindings = append(bindings, binding)
		roleNames += binding.PersonaName
	}

	if classID == "" {
		classID = uuid.NewString()
	}

	now := time.Now().UTC()
	sess := sessionModel.Session{
		SessionID: generateSessionID(className, userName, roleNames, now),
		ClassID:   classID,
		ClassName: className,
		UserID:    userID,
		UserName:  userName,
		Personas:  bindings,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.SessionID] = sess
	s.mu.Unlock()

	s.mirrorSession(ctx, sess)
	log.Printf("[session] created session=%s class=%s roles=%d", sess.SessionID, classID, len(bindings))
	return sess, nil
}

// Get 按会话标识查询，幂等且无副作用。
func (s *Service) Get(_ context.Context, sessionID string) (sessionModel.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return sessionModel.Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// Delete 移除会话。
func (s *Service) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *Service) mirrorSession(ctx context.Context, sess sessionModel.Session) {
	if s.mirror == nil {
		return
	}
	doc, err := json.Marshal(sess)
	if err != nil {
		log.Printf("[session] marshal session for mirror failed: %v", err)
		return
	}
	s.mirror.MirrorSession(ctx, sess.SessionID, string(doc))
}

// generateSessionID 生成 MD5(class_name + user_name + role_names + timestamp)。
func generateSessionID(className, userName, roleNames string, now time.Time) string {
	seed := fmt.Sprintf("%s%s%s%s", className, userName, roleNames,
		strconv.FormatInt(now.UnixNano(), 10))
	sum := md5.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])
}
