//go:build !no_automation

package automation

import (
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lua "github.com/yuin/gopher-lua"
)

// systemState returns a Lua state with the system module bound to an engine
// whose clock is fixed at now.
func systemState(t *testing.T, now time.Time, cfg SystemConfig) (*lua.LState, *scriptVM) {
	t.Helper()
	e := &Engine{logger: testLogger(), systemCfg: cfg, clock: func() time.Time { return now }}
	vm := &scriptVM{}
	L := lua.NewState()
	t.Cleanup(L.Close)
	registerSystemModule(L, vm, e)
	return L, vm
}

func eval(t *testing.T, L *lua.LState, expr string) lua.LValue {
	t.Helper()
	if err := L.DoString("_result = " + expr); err != nil {
		t.Fatalf("%s: %v", expr, err)
	}
	return L.GetGlobal("_result")
}

func TestSystemDatetime(t *testing.T) {
	now := time.Date(2024, time.March, 5, 14, 30, 15, 0, time.Local)
	L, _ := systemState(t, now, SystemConfig{})

	numbers := map[string]float64{
		"hour":    14,
		"minute":  30,
		"second":  15,
		"day":     5,
		"month":   3,
		"year":    2024,
		"weekday": float64(now.Weekday()),
	}
	for comp, want := range numbers {
		got := eval(t, L, `system.datetime("`+comp+`")`)
		if n, ok := got.(lua.LNumber); !ok || float64(n) != want {
			t.Errorf("datetime(%s) = %v, want %v", comp, got, want)
		}
	}

	if got := eval(t, L, `system.datetime("time_str")`).String(); got != "14:30:15" {
		t.Errorf("time_str = %q", got)
	}
	if got := eval(t, L, `system.datetime("date_str")`).String(); got != "2024-03-05" {
		t.Errorf("date_str = %q", got)
	}
	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("unknown component accepted")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{10, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{12, 22, 6, false},
	}
	for _, tt := range tests {
		now := time.Date(2024, 1, 1, tt.hour, 0, 0, 0, time.Local)
		L, _ := systemState(t, now, SystemConfig{})
		L.SetGlobal("_from", lua.LNumber(tt.from))
		L.SetGlobal("_to", lua.LNumber(tt.to))
		got := eval(t, L, `system.time_between(_from, _to)`)
		if got != lua.LBool(tt.want) {
			t.Errorf("time_between(%d, %d) at %d = %v, want %v", tt.from, tt.to, tt.hour, got, tt.want)
		}
	}
}

func TestSystemLogCaptured(t *testing.T) {
	L, vm := systemState(t, time.Now(), SystemConfig{})
	var logs []string
	vm.logf = func(s string) { logs = append(logs, s) }

	if err := L.DoString(`system.log("error", "boom")`); err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0] != "[error] boom" {
		t.Errorf("logs = %q", logs)
	}
}

func TestSystemExecBlocked(t *testing.T) {
	cases := map[string]SystemConfig{
		"empty allowlist": {},
		"not allowlisted": {ExecAllowlist: []string{"/usr/bin/echo"}},
		"relative path":   {ExecAllowlist: []string{"echo"}},
	}
	cmds := map[string]string{
		"empty allowlist": "/bin/ls",
		"not allowlisted": "/usr/bin/ls",
		"relative path":   "echo hi",
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			L, _ := systemState(t, time.Now(), cfg)
			L.SetGlobal("_cmd", lua.LString(cmds[name]))
			if got := eval(t, L, `system.exec(_cmd)`); got.String() != "" {
				t.Errorf("exec returned %q, want empty", got.String())
			}
		})
	}
}

func TestSystemExecAllowed(t *testing.T) {
	L, _ := systemState(t, time.Now(), SystemConfig{
		ExecAllowlist: []string{"/bin/echo"},
		ExecTimeout:   5 * time.Second,
	})
	if got := eval(t, L, `system.exec("/bin/echo hello")`).String(); got != "hello\n" {
		t.Errorf("exec returned %q, want %q", got, "hello\n")
	}
}

// fakeBot records messages instead of calling the Telegram API.
type fakeBot struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func TestTelegramSend(t *testing.T) {
	bot := &fakeBot{}
	n := newTelegramNotifier(TelegramConfig{BotToken: "token", ChatIDs: []string{"42", "oops", "-100"}}, testLogger())
	inits := 0
	n.newBot = func(token string) (telegramSender, error) {
		inits++
		if token != "token" {
			t.Errorf("token = %q", token)
		}
		return bot, nil
	}

	e := &Engine{logger: testLogger(), telegram: n}
	L := lua.NewState()
	defer L.Close()
	registerTelegramModule(L, e)

	if err := L.DoString(`telegram.send("mote 0x0A entered SYNC")`); err != nil {
		t.Fatal(err)
	}
	n.Wait()
	if err := L.DoString(`telegram.send("second")`); err != nil {
		t.Fatal(err)
	}
	n.Wait()

	if inits != 1 {
		t.Errorf("bot created %d times, want 1", inits)
	}
	bot.mu.Lock()
	defer bot.mu.Unlock()
	if len(bot.sent) != 4 {
		t.Fatalf("sent %d messages, want 4", len(bot.sent))
	}
	if bot.sent[0].ChatID != 42 || bot.sent[0].Text != "mote 0x0A entered SYNC" {
		t.Errorf("first message = %+v", bot.sent[0])
	}
	if bot.sent[1].ChatID != -100 {
		t.Errorf("second chat = %d, want -100", bot.sent[1].ChatID)
	}
}

func TestTelegramSendNoConfig(t *testing.T) {
	n := newTelegramNotifier(TelegramConfig{}, testLogger())
	n.newBot = func(string) (telegramSender, error) {
		t.Error("bot created without configuration")
		return nil, nil
	}
	n.Send("ignored")
	n.Wait()
}
