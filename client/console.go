package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/elliotchance/orderedmap"

	"cim/errs"
	"cim/protocol"
)

type command struct {
	usage string
	run   func(ctx context.Context) (quit bool, err error)
}

// Console is the text layer over a Client. Lines with ";;" go to one user,
// other text goes to the configured group, and ":"-prefixed lines are local
// commands.
type Console struct {
	client   *Client
	groupID  int64
	commands *orderedmap.OrderedMap

	mu  sync.Mutex
	out io.Writer
}

func NewConsole(c *Client, groupID int64, out io.Writer) *Console {
	con := &Console{
		client:   c,
		groupID:  groupID,
		commands: orderedmap.NewOrderedMap(),
		out:      out,
	}
	con.commands.Set(":q", command{"quit", con.quit})
	con.commands.Set(":users", command{"list online users", con.users})
	con.commands.Set(":all", command{"show this table", con.help})
	return con
}

// Handle processes one line of input. It reports true when the user asked
// to quit.
func (con *Console) Handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	if strings.HasPrefix(line, ":") {
		name := strings.Fields(line)[0]
		v, ok := con.commands.Get(name)
		if !ok {
			v, _ = con.commands.Get(":all")
		}
		return v.(command).run(ctx)
	}

	if receiver, text, err := protocol.ParseP2P(line); err == nil {
		return false, con.client.SendP2P(receiver, text)
	}
	return false, con.client.SendGroup(con.groupID, line)
}

// Print renders an inbound frame. It is meant to be the client's handler.
func (con *Console) Print(m Message) {
	switch m.Type {
	case protocol.Msg:
		con.printf("[%d] %s\n", m.From, m.Text)
	case protocol.Ack:
		if m.Code != errs.CodeOK {
			con.printf("! %v\n", errs.FromCode(m.Code, m.Detail))
			return
		}
		if s, err := protocol.ParseGroupSummary(m.Detail); err == nil {
			con.printf("* delivered to %d, %d offline\n", s.Delivered, s.Offline)
		}
	}
}

func (con *Console) printf(format string, args ...interface{}) {
	con.mu.Lock()
	defer con.mu.Unlock()
	fmt.Fprintf(con.out, format, args...)
}

func (con *Console) quit(context.Context) (bool, error) {
	return true, nil
}

func (con *Console) users(ctx context.Context) (bool, error) {
	users, err := con.client.OnlineUsers(ctx)
	if err != nil {
		return false, err
	}
	var b strings.Builder
	for _, u := range users {
		fmt.Fprintf(&b, "%d\t%s\n", u.UserID, u.UserName)
	}
	fmt.Fprintf(&b, "%d online\n", len(users))
	con.printf("%s", b.String())
	return false, nil
}

func (con *Console) help(context.Context) (bool, error) {
	var b strings.Builder
	for _, k := range con.commands.Keys() {
		v, _ := con.commands.Get(k)
		fmt.Fprintf(&b, "%-8s %s\n", k, v.(command).usage)
	}
	b.WriteString("<id>;;<text>  send to one user\n")
	b.WriteString("<text>        send to the group\n")
	con.printf("%s", b.String())
	return false, nil
}
