package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/venlare/chatsync/internal/chat"
	"github.com/venlare/chatsync/internal/client"
)

// display tracks what has already been printed so the update hook only
// renders deltas.
type display struct {
	mu      sync.Mutex
	session *chat.Session
	printed int
	typing  bool
	online  bool
	state   client.State
	lastErr string
}

func (d *display) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	msgs := d.session.Snapshot()
	for _, m := range msgs[d.printed:] {
		read := ""
		if m.ReadAt != nil {
			read = " ✓"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Format(time.Kitchen), m.SenderName, m.Content, read)
	}
	d.printed = len(msgs)

	if typing := d.session.PartnerTyping(); typing != d.typing {
		d.typing = typing
		if typing {
			fmt.Println("*** partner is typing...")
		}
	}
	if online := d.session.PartnerOnline(); online != d.online {
		d.online = online
		if online {
			fmt.Println("*** partner is online")
		} else {
			fmt.Println("*** partner is offline")
		}
	}
	if state := d.session.State(); state != d.state {
		d.state = state
		fmt.Printf("*** connection: %s\n", state)
	}
	if lastErr := d.session.LastError(); lastErr != "" && lastErr != d.lastErr {
		d.lastErr = lastErr
		fmt.Printf("*** error: %s\n", lastErr)
	}
}

func main() {
	server := flag.String("server", "ws://localhost:8080/ws", "Broker websocket URL")
	token := flag.String("token", "", "Bearer token for authentication")
	room := flag.String("room", "", "Room id to join")
	name := flag.String("name", "", "Display name")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	if *room == "" {
		logrus.Fatal("Room id is required. Use -room flag")
	}

	endpoint := *server
	if *name != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			logrus.WithField("error", err).Fatal("invalid server URL")
		}
		q := u.Query()
		q.Set("name", *name)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	session := chat.NewSession(chat.Config{
		URL:   endpoint,
		Token: *token,
	})

	d := &display{session: session, state: client.StateDisconnected}
	session.OnUpdate(d.render)

	if err := session.Open(*room); err != nil {
		logrus.WithField("error", err).Fatal("failed to open room")
	}
	defer session.Close()

	fmt.Printf("Joined %s. Type messages, '/read <id>' to mark read, '/room <id>' to switch, '/quit' to exit.\n", *room)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		switch {
		case line == "/quit":
			return
		case strings.HasPrefix(line, "/read "):
			session.MarkAsRead(strings.TrimSpace(strings.TrimPrefix(line, "/read ")))
		case strings.HasPrefix(line, "/room "):
			next := strings.TrimSpace(strings.TrimPrefix(line, "/room "))
			if err := session.Open(next); err != nil {
				fmt.Printf("*** failed to switch room: %v\n", err)
				continue
			}
			d.mu.Lock()
			d.printed = 0
			d.mu.Unlock()
			fmt.Printf("Switched to %s\n", next)
		default:
			session.LocalInput()
			if err := session.SendMessage(line); err != nil {
				// The typed content stays in the user's hands; we only report.
				fmt.Printf("*** not sent: %v\n", err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		logrus.WithField("error", err).Warn("input error")
	}
}
