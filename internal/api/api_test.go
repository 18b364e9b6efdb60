package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"roomchat/internal/auth"
	"roomchat/internal/chats"
	"roomchat/internal/db"
	"roomchat/internal/models"
	"roomchat/internal/websocket"
)

const allowedOrigin = "http://localhost:5173"

type testServer struct {
	*httptest.Server
	t *testing.T
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)

	tokens := auth.NewTokenManager("test-secret", time.Hour)
	authService := auth.NewService(store, auth.NewPasswordHasher(bcrypt.MinCost), tokens, 2*time.Second)
	chatService := chats.NewService(store, 2*time.Second)

	hub := websocket.NewHub(store, websocket.Options{StoreTimeout: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	handlers := NewHandlers(Deps{
		Auth:           authService,
		Chats:          chatService,
		Store:          store,
		Hub:            hub,
		AllowedOrigins: []string{allowedOrigin},
		StoreTimeout:   2 * time.Second,
	})
	server := httptest.NewServer(NewRouter(handlers))

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-hub.Done()
		store.Close()
	})
	return &testServer{Server: server, t: t}
}

// do sends a JSON request and decodes the JSON response into out when set.
func (s *testServer) do(method, path, token string, body, out interface{}) int {
	s.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) signup(username, password string) models.AuthResponse {
	s.t.Helper()
	var resp models.AuthResponse
	status := s.do(http.MethodPost, "/api/auth/signup", "", models.CredentialsRequest{Username: username, Password: password}, &resp)
	require.Equal(s.t, http.StatusCreated, status)
	return resp
}

func (s *testServer) dial(token string) *gorilla.Conn {
	s.t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + token
	conn, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(s.t, err)
	resp.Body.Close()
	s.t.Cleanup(func() { conn.Close() })

	require.Equal(s.t, models.EventSystem, readEvent(s.t, conn).Type)
	return conn
}

func sendEvent(t *testing.T, conn *gorilla.Conn, eventType string, payload interface{}) {
	t.Helper()
	data, err := models.NewEvent(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, data))
}

func readEvent(t *testing.T, conn *gorilla.Conn) models.WebSocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var event models.WebSocketMessage
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestSignupLoginMe(t *testing.T) {
	s := newTestServer(t)

	alice := s.signup("alice", "pw1")
	assert.NotEmpty(t, alice.Token)
	assert.Equal(t, "alice", alice.User.Username)
	assert.Equal(t, models.RoleUser, alice.User.Role)

	var failure models.ErrorResponse
	status := s.do(http.MethodPost, "/api/auth/signup", "", models.CredentialsRequest{Username: "alice", Password: "x"}, &failure)
	assert.Equal(t, http.StatusConflict, status)
	assert.NotEmpty(t, failure.Message)

	status = s.do(http.MethodPost, "/api/auth/signup", "", models.CredentialsRequest{Username: "", Password: "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = s.do(http.MethodPost, "/api/auth/login", "", models.CredentialsRequest{Username: "alice", Password: "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var login models.AuthResponse
	status = s.do(http.MethodPost, "/api/auth/login", "", models.CredentialsRequest{Username: "alice", Password: "pw1"}, &login)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, alice.User.ID, login.User.ID)

	var me map[string]interface{}
	status = s.do(http.MethodGet, "/api/auth/me", login.Token, nil, &me)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", me["username"])
	assert.NotContains(t, me, "password")

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/auth/me", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/auth/me", "garbage", nil, nil))
}

func TestUsersListAndSearch(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice", "pw")
	s.signup("bob", "pw")
	s.signup("bobby", "pw")

	var users []models.UserSummary
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/users", alice.Token, nil, &users))
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	assert.Equal(t, []string{"bob", "bobby"}, names)

	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/users?search=BOBB", alice.Token, nil, &users))
	require.Len(t, users, 1)
	assert.Equal(t, "bobby", users[0].Username)
}

func TestPrivateChatRoutes(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice", "pw")
	bob := s.signup("bob", "pw")
	target := models.TargetUserRequest{UserID: bob.User.ID}

	var created models.PrivateChatResponse
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/chats/private", alice.Token, target, &created))
	assert.NotZero(t, created.ChatID)
	assert.NotNil(t, created.Messages)
	assert.Empty(t, created.Messages)

	var again models.PrivateChatResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/chats/private", bob.Token, models.TargetUserRequest{UserID: alice.User.ID}, &again))
	assert.Equal(t, created.ChatID, again.ChatID)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/chats/private", alice.Token, models.TargetUserRequest{UserID: alice.User.ID}, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/chats/private", alice.Token, models.TargetUserRequest{UserID: 9999}, nil))

	var deleted models.DeletePrivateChatResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodDelete, "/api/chats/private", alice.Token, target, &deleted))
	assert.Equal(t, []int64{created.ChatID}, deleted.DeletedChats)
	assert.NotEmpty(t, deleted.Message)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/chats/private", alice.Token, target, nil))
}

func TestGroupChatRoutes(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice", "pw")
	bob := s.signup("bob", "pw")
	carol := s.signup("carol", "pw")

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/chats/group", alice.Token,
		models.CreateGroupRequest{Name: "", MemberIDs: []int64{bob.User.ID}}, nil))

	var chat models.Chat
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/chats/group", alice.Token,
		models.CreateGroupRequest{Name: "team", MemberIDs: []int64{bob.User.ID}}, &chat))
	assert.Equal(t, models.ChatTypeGroup, chat.Type)
	require.NotNil(t, chat.Name)
	assert.Equal(t, "team", *chat.Name)

	var groups []models.Chat
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/chats/group", bob.Token, nil, &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, chat.ID, groups[0].ID)

	path := fmt.Sprintf("/api/chats/group/fetch/%d", chat.ID)

	var members []string
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, path+"/members", bob.Token, nil, &members))
	assert.Equal(t, []string{"alice", "bob"}, members)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, path, carol.Token, nil, nil))
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, path+"/members", carol.Token, nil, nil))
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodDelete, path, carol.Token, nil, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/chats/group/fetch/abc", alice.Token, nil, nil))

	var messages []models.Message
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, path, alice.Token, nil, &messages))
	assert.Empty(t, messages)

	var cleared models.ClearMessagesResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodDelete, path, alice.Token, nil, &cleared))
	assert.Equal(t, chat.ID, cleared.ChatID)
}

func TestLiveMessageReachesRoomAndHistory(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice", "pw1")
	bob := s.signup("bob", "pw2")

	var chat models.PrivateChatResponse
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/chats/private", alice.Token,
		models.TargetUserRequest{UserID: bob.User.ID}, &chat))
	assert.Empty(t, chat.Messages)

	aliceConn := s.dial(alice.Token)
	bobConn := s.dial(bob.Token)
	for _, conn := range []*gorilla.Conn{aliceConn, bobConn} {
		sendEvent(t, conn, models.EventJoinChat, models.ChatRef{ChatID: chat.ChatID})
		require.Equal(t, models.EventJoined, readEvent(t, conn).Type)
	}

	sendEvent(t, aliceConn, models.EventSendMessage, models.SendMessagePayload{
		ChatID:   chat.ChatID,
		SenderID: alice.User.ID,
		Text:     "hi",
	})

	for _, conn := range []*gorilla.Conn{bobConn, aliceConn} {
		event := readEvent(t, conn)
		require.Equal(t, models.EventReceiveMessage, event.Type)
		var message models.Message
		require.NoError(t, json.Unmarshal(event.Payload, &message))
		assert.Equal(t, chat.ChatID, message.ChatID)
		assert.Equal(t, alice.User.ID, message.SenderID)
		assert.Equal(t, "hi", message.Text)
	}

	var again models.PrivateChatResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/chats/private", alice.Token,
		models.TargetUserRequest{UserID: bob.User.ID}, &again))
	assert.Equal(t, chat.ChatID, again.ChatID)
	require.Len(t, again.Messages, 1)
	assert.Equal(t, alice.User.ID, again.Messages[0].SenderID)
	assert.Equal(t, "hi", again.Messages[0].Text)
}

func TestLiveJoinRequiresMembership(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice", "pw")
	bob := s.signup("bob", "pw")
	mallory := s.signup("mallory", "pw")

	var chat models.PrivateChatResponse
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/chats/private", alice.Token,
		models.TargetUserRequest{UserID: bob.User.ID}, &chat))

	conn := s.dial(mallory.Token)
	sendEvent(t, conn, models.EventJoinChat, models.ChatRef{ChatID: chat.ChatID})
	event := readEvent(t, conn)
	require.Equal(t, models.EventError, event.Type)

	var failure models.ErrorPayload
	require.NoError(t, json.Unmarshal(event.Payload, &failure))
	assert.Equal(t, models.EventJoinChat, failure.Event)
	assert.Equal(t, chat.ChatID, failure.ChatID)
}

func TestWebSocketHandshakeChecks(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice", "pw")
	base := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"

	_, resp, err := gorilla.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = gorilla.DefaultDialer.Dial(base+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Origin", "http://blocked.test")
	_, resp, err = gorilla.DefaultDialer.Dial(base+"?token="+alice.Token, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", allowedOrigin)
	header.Set("Authorization", "Bearer "+alice.Token)
	conn, resp, err := gorilla.DefaultDialer.Dial(base, header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	assert.Equal(t, models.EventSystem, readEvent(t, conn).Type)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, s.URL+"/api/chats/group", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", allowedOrigin)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, allowedOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")

	req.Header.Set("Origin", "http://blocked.test")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	var body map[string]interface{}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/health", "", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", chats.ErrInvalidInput), http.StatusBadRequest},
		{auth.ErrInvalidInput, http.StatusBadRequest},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrExpiredToken, http.StatusUnauthorized},
		{chats.ErrForbidden, http.StatusForbidden},
		{chats.ErrNotFound, http.StatusNotFound},
		{auth.ErrUsernameTaken, http.StatusConflict},
		{errors.New("boom"), 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestOriginPolicy(t *testing.T) {
	p := newOriginPolicy([]string{"HTTP://LocalHost:5173/", " ", "not a url"})
	assert.True(t, p.allows("http://localhost:5173"))
	assert.False(t, p.allows("http://localhost:3000"))
	assert.False(t, p.allows(""))

	assert.True(t, newOriginPolicy([]string{"*"}).allows("http://anything.test"))
}
