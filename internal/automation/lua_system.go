//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lua "github.com/yuin/gopher-lua"
)

const (
	defaultExecTimeout = 10 * time.Second
	maxExecOutput      = 64 << 10
)

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // absolute paths scripts may run
	ExecTimeout   time.Duration // zero means defaultExecTimeout
}

// TelegramConfig holds configuration for the telegram Lua module.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
}

// registerSystemModule registers the `system` global table.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int { return systemDatetime(L, e) }))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int { return systemTimeBetween(L, e) }))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int { return systemLog(L, vm, e) }))
	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int { return systemExec(L, e) }))
	L.SetGlobal("system", mod)
}

// registerTelegramModule registers the `telegram` global table.
func registerTelegramModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		e.telegram.Send(L.CheckString(1))
		return 0
	}))
	L.SetGlobal("telegram", mod)
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}

// system.datetime(component)
func systemDatetime(L *lua.LState, e *Engine) int {
	component := L.CheckString(1)
	now := e.now()

	var v lua.LValue
	switch component {
	case "hour":
		v = lua.LNumber(now.Hour())
	case "minute":
		v = lua.LNumber(now.Minute())
	case "second":
		v = lua.LNumber(now.Second())
	case "weekday":
		v = lua.LNumber(now.Weekday())
	case "day":
		v = lua.LNumber(now.Day())
	case "month":
		v = lua.LNumber(now.Month())
	case "year":
		v = lua.LNumber(now.Year())
	case "timestamp":
		v = lua.LNumber(now.Unix())
	case "time_str":
		v = lua.LString(now.Format(time.TimeOnly))
	case "date_str":
		v = lua.LString(now.Format(time.DateOnly))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(v)
	return 1
}

// system.time_between(from_hour, to_hour). A range with from > to wraps
// past midnight.
func systemTimeBetween(L *lua.LState, e *Engine) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourInRange(e.now().Hour(), from, to)))
	return 1
}

func hourInRange(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	if vm.logf != nil {
		vm.logf("[" + level + "] " + msg)
	}

	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	e.logger.Log(context.Background(), lvl, "script log", "msg", msg)
	return 0
}

// system.exec(cmd) runs an allowlisted absolute-path command and returns its
// stdout, or "" when blocked or failed.
func systemExec(L *lua.LState, e *Engine) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary := parts[0]

	if !filepath.IsAbs(binary) || !slices.Contains(e.systemCfg.ExecAllowlist, binary) {
		e.logger.Warn("exec blocked", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, parts[1:]...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("exec timeout", "cmd", binary, "timeout", timeout)
		} else {
			e.logger.Warn("exec failed", "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}
	if len(stdout) > maxExecOutput {
		stdout = stdout[:maxExecOutput]
	}
	L.Push(lua.LString(stdout))
	return 1
}

// telegramSender is the part of tgbotapi.BotAPI used for notifications.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// telegramNotifier sends messages to the configured chats. The bot is
// created on first use so a missing network does not delay startup.
type telegramNotifier struct {
	cfg    TelegramConfig
	logger *slog.Logger
	newBot func(token string) (telegramSender, error)

	once sync.Once
	bot  telegramSender
	err  error
	wg   sync.WaitGroup
}

func newTelegramNotifier(cfg TelegramConfig, logger *slog.Logger) *telegramNotifier {
	return &telegramNotifier{
		cfg:    cfg,
		logger: logger,
		newBot: func(token string) (telegramSender, error) {
			bot, err := tgbotapi.NewBotAPI(token)
			if err != nil {
				return nil, err
			}
			return bot, nil
		},
	}
}

// Send delivers text to every configured chat in the background.
func (n *telegramNotifier) Send(text string) {
	if n.cfg.BotToken == "" || len(n.cfg.ChatIDs) == 0 {
		n.logger.Warn("telegram.send: bot_token or chat_ids not configured")
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.once.Do(func() {
			n.bot, n.err = n.newBot(n.cfg.BotToken)
		})
		if n.err != nil {
			n.logger.Error("telegram bot init", "err", n.err)
			return
		}
		for _, id := range n.cfg.ChatIDs {
			chatID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				n.logger.Warn("telegram: invalid chat id", "chat_id", id)
				continue
			}
			if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
				n.logger.Error("telegram send", "chat_id", chatID, "err", err)
			}
		}
	}()
}

// Wait blocks until in-flight sends finish.
func (n *telegramNotifier) Wait() {
	n.wg.Wait()
}
