package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"decision-whiteboard/internal/domain"
	redisstate "decision-whiteboard/internal/infra/state/redis"
	"decision-whiteboard/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/datatypes"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLoader struct {
	mu     sync.Mutex
	boards map[string]domain.Whiteboard
}

func (f *fakeLoader) Get(_ context.Context, _ uint, id string) (*domain.Whiteboard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	board, ok := f.boards[id]
	if !ok {
		return nil, service.ErrWhiteboardNotFound
	}
	return &board, nil
}

type savedBoard struct {
	userID  uint
	boardID string
	shapes  []domain.Shape
}

type recordingSaver struct {
	mu    sync.Mutex
	calls []savedBoard
	err   error
}

func (r *recordingSaver) SaveBoard(_ context.Context, userID uint, boardID string, shapes []domain.Shape) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, savedBoard{userID: userID, boardID: boardID, shapes: shapes})
	return r.err
}

func (r *recordingSaver) Calls() []savedBoard {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]savedBoard(nil), r.calls...)
}

// testMessage 是服务端消息的并集，便于断言。
type testMessage struct {
	Type     string         `json:"type"`
	Shapes   []domain.Shape `json:"shapes"`
	Tool     string         `json:"tool"`
	Mode     string         `json:"mode"`
	ReadOnly bool           `json:"read_only"`
	Status   string         `json:"status"`
	Message  string         `json:"message"`
	Error    string         `json:"error"`
}

type fixture struct {
	hub   *Hub
	saver *recordingSaver
	state *redisstate.RedisStateRepository
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T, quiet time.Duration) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	state := redisstate.NewRedisStateRepository(client, "test:")

	loader := &fakeLoader{boards: map[string]domain.Whiteboard{
		"b1": {ID: "b1", UserID: 1, Name: "Plan", Data: datatypes.JSON(`[]`)},
		"b2": {ID: "b2", UserID: 1, Name: "Broken", Data: datatypes.JSON(`[{"id":"x","type":"blob"}]`)},
	}}
	saver := &recordingSaver{}
	h := NewHub(loader, saver, state, Config{QuietPeriod: quiet, LeaseTTL: 3 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		_ = h.Shutdown(context.Background())
		cancel()
		<-done
	})
	return &fixture{hub: h, saver: saver, state: state, mr: mr}
}

func (f *fixture) open(t *testing.T, userID uint, viewOnly bool) *Session {
	t.Helper()
	s, err := f.hub.Open(context.Background(), userID, "b1", viewOnly)
	require.NoError(t, err)
	require.True(t, f.hub.Register(s))
	return s
}

// nextMessage 读取会话消息直到出现满足 match 的一条。
func nextMessage(t *testing.T, s *Session, match func(testMessage) bool) testMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-s.Send():
			require.True(t, ok, "send channel closed before expected message")
			var msg testMessage
			require.NoError(t, json.Unmarshal(data, &msg))
			if match(msg) {
				return msg
			}
		case <-timeout:
			t.Fatal("timed out waiting for message")
		}
	}
}

func ofType(typ string) func(testMessage) bool {
	return func(m testMessage) bool { return m.Type == typ }
}

func stateWithShapes(n int) func(testMessage) bool {
	return func(m testMessage) bool { return m.Type == "state" && len(m.Shapes) == n }
}

func placeRect(s *Session) {
	ctx := context.Background()
	s.Handle(ctx, []byte(`{"type":"select_tool","tool":"rect"}`))
	s.Handle(ctx, []byte(`{"type":"pointer_down","x":200,"y":150}`))
}

func TestOpen_FirstSessionEditsOthersView(t *testing.T) {
	f := newFixture(t, time.Hour)

	editor := f.open(t, 1, false)
	assert.Equal(t, ModeEdit, editor.Mode())
	assert.True(t, f.mr.Exists("test:board:b1:lease"))

	second := f.open(t, 2, false)
	assert.Equal(t, ModeView, second.Mode(), "编辑权已被占用时以只读打开")

	viewer := f.open(t, 1, true)
	assert.Equal(t, ModeView, viewer.Mode())

	msg := nextMessage(t, viewer, ofType("state"))
	assert.True(t, msg.ReadOnly)
	assert.Equal(t, "view", msg.Mode)
	assert.NotNil(t, msg.Shapes)
}

func TestOpen_Errors(t *testing.T) {
	f := newFixture(t, time.Hour)

	_, err := f.hub.Open(context.Background(), 1, "missing", false)
	assert.ErrorIs(t, err, service.ErrWhiteboardNotFound)

	_, err = f.hub.Open(context.Background(), 1, "b2", false)
	assert.ErrorIs(t, err, service.ErrInvalidShapes)
	assert.False(t, f.mr.Exists("test:board:b2:lease"), "打开失败时不应保留编辑权")
}

func TestSession_PlaceShapeAutosaves(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	s := f.open(t, 7, false)

	placeRect(s)
	msg := nextMessage(t, s, stateWithShapes(1))
	assert.Equal(t, "select", msg.Tool, "放置后工具恢复为 select")
	assert.Equal(t, domain.KindRect, msg.Shapes[0].Kind)
	assert.Equal(t, float64(150), msg.Shapes[0].X)

	nextMessage(t, s, func(m testMessage) bool { return m.Type == "status" && m.Status == "saved" })
	calls := f.saver.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, uint(7), calls[0].userID)
	assert.Equal(t, "b1", calls[0].boardID)
	assert.Len(t, calls[0].shapes, 1)
}

func TestSession_ExplicitSave(t *testing.T) {
	f := newFixture(t, time.Hour)
	s := f.open(t, 1, false)

	placeRect(s)
	s.Handle(context.Background(), []byte(`{"type":"save"}`))
	assert.Len(t, f.saver.Calls(), 1)
}

func TestSession_SaveFailureReported(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.saver.err = errors.New("queue unavailable")
	s := f.open(t, 1, false)

	placeRect(s)
	s.Handle(context.Background(), []byte(`{"type":"save"}`))

	msg := nextMessage(t, s, func(m testMessage) bool { return m.Type == "status" && m.Status == "failed" })
	assert.Equal(t, "queue unavailable", msg.Error)
	state := nextMessage(t, s, ofType("state"))
	assert.Len(t, state.Shapes, 1, "保存失败不回滚白板")
}

func TestSession_RejectsInvalidCommands(t *testing.T) {
	f := newFixture(t, time.Hour)
	s := f.open(t, 1, false)
	ctx := context.Background()

	s.Handle(ctx, []byte(`{not json`))
	msg := nextMessage(t, s, ofType("error"))
	assert.Equal(t, "malformed command", msg.Message)

	s.Handle(ctx, []byte(`{"type":"undo"}`))
	msg = nextMessage(t, s, ofType("error"))
	assert.Contains(t, msg.Message, "invalid command")

	s.Handle(ctx, []byte(`{"type":"pointer_down","target":"missing"}`))
	msg = nextMessage(t, s, ofType("error"))
	assert.Contains(t, msg.Message, "shape not found")
}

func TestSession_ViewerIsReadOnly(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.open(t, 1, false)
	viewer := f.open(t, 2, false)

	viewer.Handle(context.Background(), []byte(`{"type":"select_tool","tool":"circle"}`))
	msg := nextMessage(t, viewer, ofType("error"))
	assert.Contains(t, msg.Message, "read-only")

	viewer.Handle(context.Background(), []byte(`{"type":"save"}`))
	nextMessage(t, viewer, ofType("error"))
	assert.Empty(t, f.saver.Calls())
}

func TestHub_MirrorsEditsToViewers(t *testing.T) {
	f := newFixture(t, time.Hour)
	editor := f.open(t, 1, false)
	viewer := f.open(t, 2, true)
	require.Eventually(t, func() bool { return f.hub.SessionCount("b1") == 2 }, time.Second, 5*time.Millisecond)

	placeRect(editor)

	msg := nextMessage(t, viewer, stateWithShapes(1))
	assert.True(t, msg.ReadOnly)
	assert.Equal(t, domain.KindRect, msg.Shapes[0].Kind)
}

func TestHub_LateViewerSeesUnsavedEdits(t *testing.T) {
	f := newFixture(t, time.Hour)
	editor := f.open(t, 1, false)
	require.Eventually(t, func() bool { return f.hub.SessionCount("b1") == 1 }, time.Second, 5*time.Millisecond)
	placeRect(editor)

	viewer := f.open(t, 2, true)
	nextMessage(t, viewer, stateWithShapes(1))
}

func TestHub_BoardEventsPushedToViewers(t *testing.T) {
	f := newFixture(t, time.Hour)
	viewer := f.open(t, 2, true)
	require.Eventually(t, func() bool {
		return f.mr.PubSubNumPat() > 0 && f.hub.SessionCount("b1") == 1
	}, time.Second, 5*time.Millisecond)

	shapes := []domain.Shape{
		domain.PlaceShape("a", domain.KindDiamond, 100, 100),
		domain.PlaceShape("b", domain.KindArrow, 300, 100),
	}
	require.NoError(t, f.state.PublishBoardEvent(context.Background(), domain.BoardEvent{
		Type: domain.BoardEventSaved, BoardID: "b1", SavedBy: 1, SaveSeq: 3, Shapes: shapes,
	}))

	msg := nextMessage(t, viewer, stateWithShapes(2))
	assert.Equal(t, "a", msg.Shapes[0].ID)
}

func TestHub_UnregisterDiscardsPendingAutosave(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	s := f.open(t, 1, false)
	require.Eventually(t, func() bool { return f.hub.SessionCount("b1") == 1 }, time.Second, 5*time.Millisecond)

	placeRect(s)
	require.True(t, f.hub.Unregister(s))

	require.Eventually(t, func() bool {
		return f.hub.SessionCount("b1") == 0 && !f.mr.Exists("test:board:b1:lease")
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.saver.Calls(), "断开连接时丢弃挂起的自动保存")

	next := f.open(t, 2, false)
	assert.Equal(t, ModeEdit, next.Mode(), "编辑权释放后可以被其他会话获取")
}

func TestHub_ShutdownFlushesEditors(t *testing.T) {
	f := newFixture(t, time.Hour)
	s := f.open(t, 1, false)
	viewer := f.open(t, 2, true)
	require.Eventually(t, func() bool { return f.hub.SessionCount("b1") == 2 }, time.Second, 5*time.Millisecond)

	placeRect(s)
	require.NoError(t, f.hub.Shutdown(context.Background()))

	calls := f.saver.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].shapes, 1)
	assert.Equal(t, 0, f.hub.SessionCount("b1"))

	for range viewer.Send() {
	}
	assert.False(t, f.mr.Exists("test:board:b1:lease"))
}

func TestHub_RetriesFailedSaves(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.saver.err = errors.New("temporary")
	s := f.open(t, 1, false)
	require.Eventually(t, func() bool { return f.hub.SessionCount("b1") == 1 }, time.Second, 5*time.Millisecond)

	placeRect(s)
	s.Handle(context.Background(), []byte(`{"type":"save"}`))
	f.saver.mu.Lock()
	f.saver.err = nil
	f.saver.mu.Unlock()

	// 续期周期为 1 秒，失败的保存会被重试
	nextMessage(t, s, func(m testMessage) bool { return m.Type == "status" && m.Status == "saved" })
	assert.Len(t, f.saver.Calls(), 2)
}

func TestHub_RevokesEditorWhenLeaseTaken(t *testing.T) {
	f := newFixture(t, time.Hour)
	s := f.open(t, 1, false)
	require.Eventually(t, func() bool { return f.hub.SessionCount("b1") == 1 }, time.Second, 5*time.Millisecond)
	placeRect(s)

	// 租约过期后被另一个实例的会话获取
	require.NoError(t, f.mr.Set("test:board:b1:lease", "other-session"))

	msg := nextMessage(t, s, ofType("error"))
	assert.Contains(t, msg.Message, "edit lease lost")
	require.Eventually(t, func() bool { return f.hub.SessionCount("b1") == 0 }, 3*time.Second, 10*time.Millisecond)
	for range s.Send() {
	}

	assert.Empty(t, f.saver.Calls(), "失去编辑权的会话不能覆盖新编辑者的内容")
	holder, err := f.mr.Get("test:board:b1:lease")
	require.NoError(t, err)
	assert.Equal(t, "other-session", holder, "撤销会话不能释放他人的编辑权")
}

func TestHub_ReacquiresExpiredLease(t *testing.T) {
	f := newFixture(t, time.Hour)
	s := f.open(t, 1, false)
	require.Eventually(t, func() bool { return f.hub.SessionCount("b1") == 1 }, time.Second, 5*time.Millisecond)

	f.mr.Del("test:board:b1:lease")

	require.Eventually(t, func() bool {
		holder, err := f.mr.Get("test:board:b1:lease")
		return err == nil && holder == s.ID()
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.hub.SessionCount("b1"))
	assert.True(t, s.Editing())
}

func TestClient_WebSocketRoundTrip(t *testing.T) {
	f := newFixture(t, time.Hour)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := f.hub.Open(r.Context(), 1, "b1", r.URL.Query().Get("mode") == "view")
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.hub.Discard(s)
			return
		}
		f.hub.Register(s)
		NewClient(f.hub, conn, s).Run()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	read := func(match func(testMessage) bool) testMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			var msg testMessage
			require.NoError(t, conn.ReadJSON(&msg))
			if match(msg) {
				return msg
			}
		}
	}

	initial := read(ofType("state"))
	assert.Equal(t, "edit", initial.Mode)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "select_tool", "tool": "text"}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "pointer_down", "x": 10, "y": 10}))
	msg := read(stateWithShapes(1))
	assert.Equal(t, domain.KindText, msg.Shapes[0].Kind)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.hub.SessionCount("b1") == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.saver.Calls())
}
