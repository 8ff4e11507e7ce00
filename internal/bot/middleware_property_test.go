// Property-based tests for middleware functions.
package bot

import (
	"errors"
	"slices"
	"testing"

	tele "gopkg.in/telebot.v3"
	"pgregory.net/rapid"

	"leaderboard-engine/internal/config"
)

// fakeContext implements the parts of tele.Context the middleware touches.
type fakeContext struct {
	tele.Context
	sender  *tele.User
	chat    *tele.Chat
	replies []string
}

func (c *fakeContext) Sender() *tele.User { return c.sender }
func (c *fakeContext) Chat() *tele.Chat   { return c.chat }
func (c *fakeContext) Text() string       { return "/cmd" }

func (c *fakeContext) Reply(what interface{}, opts ...interface{}) error {
	if s, ok := what.(string); ok {
		c.replies = append(c.replies, s)
	}
	return nil
}

func groupContext(userID, chatID int64) *fakeContext {
	return &fakeContext{
		sender: &tele.User{ID: userID},
		chat:   &tele.Chat{ID: chatID, Type: tele.ChatGroup},
	}
}

func privateContext(userID int64) *fakeContext {
	return &fakeContext{
		sender: &tele.User{ID: userID},
		chat:   &tele.Chat{ID: userID, Type: tele.ChatPrivate},
	}
}

// run passes c through mw and reports whether the inner handler ran.
func run(mw tele.MiddlewareFunc, c tele.Context) bool {
	called := false
	_ = mw(func(tele.Context) error {
		called = true
		return nil
	})(c)
	return called
}

func drawIDs(t *rapid.T, label string, sign int64) []int64 {
	n := rapid.IntRange(1, 10).Draw(t, "num_"+label)
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = sign * rapid.Int64Range(1, 1000000000).Draw(t, label)
	}
	return ids
}

// TestAdminMiddlewareProperty checks that the admin guard passes a command
// through exactly when the sender is a configured admin, and otherwise
// answers with a permission error.
func TestAdminMiddlewareProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		adminIDs := drawIDs(t, "adminID", 1)
		cfg := &config.Config{Admin: config.AdminConfig{IDs: adminIDs}}

		var userID int64
		if rapid.Bool().Draw(t, "pickAdmin") {
			userID = rapid.SampledFrom(adminIDs).Draw(t, "userID")
		} else {
			userID = rapid.Int64Range(1, 1000000000).Draw(t, "userID")
		}
		expected := slices.Contains(adminIDs, userID)

		c := groupContext(userID, -1)
		called := run(AdminMiddleware(cfg), c)

		if called != expected {
			t.Fatalf("userID=%d adminIDs=%v: handler called=%v, want %v", userID, adminIDs, called, expected)
		}
		if !expected && len(c.replies) != 1 {
			t.Fatalf("non-admin should get one permission reply, got %v", c.replies)
		}
	})
}

// TestWhitelistMiddlewareGroupProperty checks that group commands are
// processed exactly when the chat is whitelisted.
func TestWhitelistMiddlewareGroupProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chatIDs := drawIDs(t, "chatID", -1)
		cfg := &config.Config{Whitelist: config.WhitelistConfig{Chats: chatIDs}}

		var chatID int64
		if rapid.Bool().Draw(t, "pickWhitelisted") {
			chatID = rapid.SampledFrom(chatIDs).Draw(t, "testChatID")
		} else {
			chatID = -rapid.Int64Range(1, 1000000000).Draw(t, "testChatID")
		}
		expected := slices.Contains(chatIDs, chatID)

		called := run(WhitelistMiddleware(cfg, NewPrivateUsers()), groupContext(42, chatID))
		if called != expected {
			t.Fatalf("chatID=%d whitelist=%v: handler called=%v, want %v", chatID, chatIDs, called, expected)
		}
	})
}

// TestEmptyWhitelistAllowsAllChatsProperty checks that an empty whitelist
// lets every group and private chat through.
func TestEmptyWhitelistAllowsAllChatsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := &config.Config{}
		mw := WhitelistMiddleware(cfg, NewPrivateUsers())

		chatID := -rapid.Int64Range(1, 1000000000).Draw(t, "chatID")
		userID := rapid.Int64Range(1, 1000000000).Draw(t, "userID")

		if !run(mw, groupContext(userID, chatID)) {
			t.Fatalf("group chat %d should be allowed with an empty whitelist", chatID)
		}
		if !run(mw, privateContext(userID)) {
			t.Fatalf("private chat from %d should be allowed with an empty whitelist", userID)
		}
	})
}

// TestPrivateChatUnlockedByGroupProperty checks that a private chat is only
// served once the user has been seen in a whitelisted group.
func TestPrivateChatUnlockedByGroupProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chatIDs := drawIDs(t, "chatID", -1)
		cfg := &config.Config{Whitelist: config.WhitelistConfig{Chats: chatIDs}}
		private := NewPrivateUsers()
		mw := WhitelistMiddleware(cfg, private)

		userID := rapid.Int64Range(1, 1000000000).Draw(t, "userID")

		if run(mw, privateContext(userID)) {
			t.Fatalf("private chat from unseen user %d should be ignored", userID)
		}

		chatID := rapid.SampledFrom(chatIDs).Draw(t, "groupChatID")
		if !run(mw, groupContext(userID, chatID)) {
			t.Fatalf("whitelisted group %d should be allowed", chatID)
		}

		if !private.Allowed(userID) {
			t.Fatalf("user %d should be remembered after a whitelisted group message", userID)
		}
		if !run(mw, privateContext(userID)) {
			t.Fatalf("private chat from %d should be allowed after group use", userID)
		}
	})
}

func TestMiddleware_IgnoresUpdatesWithoutSender(t *testing.T) {
	cfg := &config.Config{Admin: config.AdminConfig{IDs: []int64{1}}}
	c := &fakeContext{}

	if run(WhitelistMiddleware(cfg, NewPrivateUsers()), c) {
		t.Fatal("whitelist should drop updates without chat or sender")
	}
	if run(AdminMiddleware(cfg), c) {
		t.Fatal("admin guard should drop updates without sender")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	c := groupContext(1, -1)
	err := RecoveryMiddleware()(func(tele.Context) error {
		panic("boom")
	})(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.replies) != 1 {
		t.Fatalf("expected an error reply, got %v", c.replies)
	}
}

func TestLoggingMiddleware_PassesThroughResult(t *testing.T) {
	c := groupContext(1, -1)
	if !run(LoggingMiddleware(), c) {
		t.Fatal("logging middleware should call the handler")
	}

	want := errors.New("send failed")
	got := LoggingMiddleware()(func(tele.Context) error { return want })(c)
	if got != want {
		t.Fatalf("expected handler error to propagate, got %v", got)
	}
}
