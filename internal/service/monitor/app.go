package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"lxmf_group/internal/protocol/event"
	"lxmf_group/internal/utils/log"
)

// Commands accepted on the input line, mapped to admin endpoints.
var Commands = map[string]string{
	"announce": "/announce",
	"sync":     "/sync",
	"reload":   "/reload",
}

type (
	App struct {
		app    *tview.Application
		events *tview.TextView
		input  *tview.InputField

		api  *API
		conn *websocket.Conn
	}
)

func NewApp(api *API) *App {
	return &App{
		app: tview.NewApplication(),
		api: api,
	}
}

func (c *App) Run(ctx context.Context) error {
	st, err := c.api.Status(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}

	c.conn, err = c.api.Events(ctx)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer c.conn.Close()

	go c.listenOnEvents()
	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()
	return c.renderUI(st.Name)
}

// blocking function
func (c *App) renderUI(name string) error {
	c.events = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.events.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", name))

	c.input = tview.NewInputField().
		SetLabel("Command: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" announce | sync | reload ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(cmd string) {
			line := c.Execute(context.Background(), cmd)
			c.app.QueueUpdateDraw(func() {
				fmt.Fprintln(c.events, line)
				c.events.ScrollToEnd()
			})
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.events, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

// Execute runs one console command and returns the line to print.
func (c *App) Execute(ctx context.Context, cmd string) string {
	path, ok := Commands[cmd]
	if !ok {
		return fmt.Sprintf("[red]unknown command:[-] %s", tview.Escape(cmd))
	}
	body, err := c.api.Post(ctx, path)
	if err != nil {
		return fmt.Sprintf("[red]%s failed:[-] %s", cmd, tview.Escape(err.Error()))
	}
	if body = strings.TrimSpace(body); body != "" {
		return fmt.Sprintf("[yellow]%s:[-] %s", cmd, tview.Escape(body))
	}
	return fmt.Sprintf("[yellow]%s:[-] ok", cmd)
}

func (c *App) listenOnEvents() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("event web socket closed", zap.Error(err))
			c.app.QueueUpdateDraw(func() {
				fmt.Fprintln(c.events, "[red]event stream closed[-]")
			})
			return
		}

		var e event.Event
		if err := json.Unmarshal(data, &e); err != nil {
			log.Error("Unmarshal event failed", zap.Error(err))
			continue
		}

		line := FormatEvent(e)
		c.app.QueueUpdateDraw(func() {
			fmt.Fprintln(c.events, line)
			c.events.ScrollToEnd()
		})
	}
}

// FormatEvent renders an event as one colored console line.
func FormatEvent(e event.Event) string {
	at := e.At.Format("15:04:05")
	switch {
	case e.Inbound != nil:
		return fmt.Sprintf("%s [green]%s[-] from %s: %s", at, e.Kind, e.Inbound.Source.Hex(), tview.Escape(e.Inbound.Content))
	case e.Outbound != nil:
		color := "green"
		if e.Kind == event.DeliveryFailed {
			color = "red"
		}
		return fmt.Sprintf("%s [%s]%s[-] to %s (%s, %d attempts)", at, color, e.Kind, e.Outbound.Destination.Hex(), e.Outbound.DesiredMethod, e.Outbound.AttemptCount)
	case e.Announce != nil:
		return fmt.Sprintf("%s [blue]%s[-] %s %s (%d hops)", at, e.Kind, e.Announce.Aspect, e.Announce.Address.Hex(), e.Announce.Hops)
	case e.Key != "":
		return fmt.Sprintf("%s [yellow]%s[-] %s.%s = %s", at, e.Kind, e.Section, e.Key, tview.Escape(e.Value))
	default:
		return fmt.Sprintf("%s [yellow]%s[-]", at, e.Kind)
	}
}
