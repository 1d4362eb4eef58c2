package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/luoxiaohei/rolechat/internal/model/persona"
	sessionModel "github.com/luoxiaohei/rolechat/internal/model/session"
	sessionService "github.com/luoxiaohei/rolechat/internal/service/session"
)

type recordingResetter struct {
	resets []string
}

func (r *recordingResetter) Reset(sessionID string) {
	r.resets = append(r.resets, sessionID)
}

func newTestRouter(t *testing.T) (http.Handler, *recordingResetter) {
	t.Helper()
	personas := persona.NewMemoryStore(persona.Seed())
	sessions := sessionService.NewService(personas, nil)
	resetter := &recordingResetter{}

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		New(sessions, resetter).RegisterRoutes(api)
	})
	return r, resetter
}

func createSession(t *testing.T, router http.Handler, body string) sessionModel.Session {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var sess sessionModel.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestCreateSession(t *testing.T) {
	router, _ := newTestRouter(t)

	sess := createSession(t, router, `{
		"class_name": "三年二班",
		"user_id": "u1",
		"user_name": "博士",
		"roles": [{"role_id": "amiya"}, {"role_id": "kaltsit", "role_name": "凯尔希"}]
	}`)

	if len(sess.SessionID) != 32 {
		t.Fatalf("SessionID = %q, want 32-char md5 hex", sess.SessionID)
	}
	if sess.ClassID == "" {
		t.Fatal("ClassID must be generated when absent")
	}
	if len(sess.Personas) != 2 {
		t.Fatalf("Personas = %d", len(sess.Personas))
	}
	if sess.Personas[0].PersonaName != "阿米娅" {
		t.Fatalf("resolved name = %q", sess.Personas[0].PersonaName)
	}
	if sess.Personas[0].BehaviorPrompt == "" {
		t.Fatal("behavior prompt not resolved at bind time")
	}
}

func TestCreateSessionWithoutRoles(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions",
		strings.NewReader(`{"class_name": "空班级", "roles": []}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetSession(t *testing.T) {
	router, _ := newTestRouter(t)
	sess := createSession(t, router, `{"user_name":"博士","roles":[{"role_id":"amiya"}]}`)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.SessionID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status = %d, want 404", rec.Code)
	}
}

func TestDeleteSessionResetsSelection(t *testing.T) {
	router, resetter := newTestRouter(t)
	sess := createSession(t, router, `{"user_name":"博士","roles":[{"role_id":"amiya"}]}`)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/"+sess.SessionID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(resetter.resets) != 1 || resetter.resets[0] != sess.SessionID {
		t.Fatalf("resets = %v", resetter.resets)
	}

	// 再删一次应当404。
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+sess.SessionID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}
