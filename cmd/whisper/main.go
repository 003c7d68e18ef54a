// Command whisper is a minimal terminal client for the encrypted relay
// chat. It speaks the core protocol and leaves rendering to stdout; richer
// UIs sit behind the same event channel.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Bentlybro/whisper"
	"github.com/Bentlybro/whisper/internal/wire"
	"github.com/Bentlybro/whisper/pkg/fingerprint"
)

// historyTail is how many stored messages are replayed at startup.
const historyTail = 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app bundles the client with its local persistence: the trust store for
// peer identities, the encrypted history log, and in-flight file transfers.
type app struct {
	client   *whisper.Client
	identity *whisper.Identity
	storage  *whisper.Storage
	history  *whisper.History
	files    *fileState
}

func run() error {
	var (
		relayURL string
		baseDir  string
		nick     string
	)
	flag.StringVar(&relayURL, "relay", "ws://127.0.0.1:9443", "relay URL")
	flag.StringVar(&baseDir, "dir", defaultBaseDir(), "state directory")
	flag.StringVar(&nick, "nick", "", "nickname announced to peers")
	flag.Parse()

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	password, err := readPassword()
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	identity, err := loadOrCreateIdentity(filepath.Join(baseDir, "id.key"), password)
	if err != nil {
		return err
	}
	fmt.Printf("identity: %s\n", identity.PublicKeyB64())

	storage, err := whisper.OpenStorage(
		whisper.StorageWithDBPath(filepath.Join(baseDir, "db")),
		whisper.StorageWithPassphraseHandler(func() ([]byte, error) {
			return password, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("opening trust store: %w", err)
	}
	defer storage.Close()

	history := whisper.NewHistory(filepath.Join(baseDir, "history.log"), password)
	replayHistory(history)

	client := whisper.NewClient(relayURL, identity, whisper.WithNickname(nick))
	fmt.Printf("session: %s\n", client.SessionID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exitCh := make(chan os.Signal, 1)
	signal.Notify(exitCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Run(ctx)
	}()

	a := &app{
		client:   client,
		identity: identity,
		storage:  storage,
		history:  history,
		files: &fileState{
			assembler: whisper.NewFileAssembler(),
			pending:   make(map[string][]byte),
		},
	}
	go a.printEvents()
	go a.readInput()

	select {
	case <-exitCh:
		cancel()
		return nil
	case err := <-errCh:
		return err
	}
}

func replayHistory(history *whisper.History) {
	msgs, err := history.Load()
	if err != nil {
		slog.Warn("loading history", slog.Any("error", err))
		return
	}
	if len(msgs) > historyTail {
		msgs = msgs[len(msgs)-historyTail:]
	}
	for _, msg := range msgs {
		if msg.Kind == wire.PlainSystem {
			fmt.Printf("  * %s\n", msg.Content)
			continue
		}
		fmt.Printf("  <%s> %s\n", short(msg.Sender), msg.Content)
	}
}

// fileState tracks outbound offers awaiting acceptance and inbound
// transfers being reassembled.
type fileState struct {
	assembler *whisper.FileAssembler

	mu      sync.Mutex
	pending map[string][]byte
}

func (fs *fileState) addPending(fileID string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.pending[fileID] = data
}

func (fs *fileState) takePending(fileID string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.pending[fileID]
	delete(fs.pending, fileID)
	return data, ok
}

func (a *app) printEvents() {
	for ev := range a.client.Events() {
		if ev.Kind == whisper.EventMessage && a.handleFileMessage(ev) {
			continue
		}
		switch ev.Kind {
		case whisper.EventConnected:
			fmt.Println("* connected to relay")
		case whisper.EventPeerJoined:
			a.greetPeer(ev.Peer)
		case whisper.EventPeerLeft:
			fmt.Printf("* %s left\n", short(ev.Peer))
		case whisper.EventMessage:
			a.record(ev.Message)
			if ev.Message.Kind == wire.PlainSystem {
				fmt.Printf("* %s\n", ev.Message.Content)
				continue
			}
			name := short(ev.Peer)
			if p, ok := a.client.Peers().Peer(ev.Peer); ok && p.Nickname() != "" {
				name = p.Nickname()
			}
			fmt.Printf("<%s> %s\n", name, ev.Message.Content)
		case whisper.EventNickname:
			fmt.Printf("* %s is now known as %s\n", short(ev.Peer), ev.Nickname)
			if p, ok := a.client.Peers().Peer(ev.Peer); ok {
				if err := a.storage.TrustPeer(p.IdentityKey, ev.Nickname); err != nil {
					slog.Warn("updating trust store", slog.Any("error", err))
				}
			}
		case whisper.EventTyping:
			fmt.Printf("* %s is typing...\n", short(ev.Peer))
		case whisper.EventUndecryptable:
			fmt.Printf("* undecryptable message from %s: %v\n", short(ev.Peer), ev.Err)
		case whisper.EventStatus:
			fmt.Printf("* %s\n", ev.Status)
		}
	}
}

// greetPeer runs the known-peers flow against the trust store: familiar
// identities are recognised, new ones are recorded.
func (a *app) greetPeer(sid string) {
	peer, ok := a.client.Peers().Peer(sid)
	if !ok {
		return
	}
	known, err := a.storage.FindPeer(peer.IdentityKey)
	switch {
	case err == nil:
		seen := known.FirstSeen.Local().Format(time.DateTime)
		if known.Nickname != "" {
			fmt.Printf("* %s joined (known as %s, first seen %s)\n",
				short(sid), known.Nickname, seen)
		} else {
			fmt.Printf("* %s joined (known peer, first seen %s)\n",
				short(sid), seen)
		}
	case errors.Is(err, whisper.ErrPeerNotKnown):
		if err := a.storage.TrustPeer(peer.IdentityKey, ""); err != nil {
			slog.Warn("recording peer", slog.Any("error", err))
		}
		fmt.Printf("* %s joined (new peer, added to the known list)\n", short(sid))
	default:
		slog.Warn("looking up peer", slog.Any("error", err))
		fmt.Printf("* %s joined\n", short(sid))
	}
}

// record appends a conversational message to the encrypted history log.
func (a *app) record(msg *wire.PlainMessage) {
	switch msg.Kind {
	case wire.PlainText, wire.PlainSystem:
		if err := a.history.Append(msg); err != nil {
			slog.Warn("appending history", slog.Any("error", err))
		}
	}
}

func (a *app) handleFileMessage(ev whisper.Event) bool {
	msg := ev.Message
	switch msg.Kind {
	case wire.PlainFileOffer:
		fmt.Printf("* %s offers %s (%d bytes), accepting\n",
			short(ev.Peer), msg.FileName, msg.FileSize)
		if _, err := a.files.assembler.Ingest(ev.Peer, msg); err != nil {
			fmt.Printf("* rejecting offer: %v\n", err)
			a.client.RespondFile(ev.Peer, msg.FileID, false)
			return true
		}
		a.client.RespondFile(ev.Peer, msg.FileID, true)
		return true
	case wire.PlainFileChunk:
		file, err := a.files.assembler.Ingest(ev.Peer, msg)
		if err != nil {
			fmt.Printf("* dropping stray chunk: %v\n", err)
			return true
		}
		if file != nil {
			name := filepath.Base(file.Name)
			if err := os.WriteFile(name, file.Data, 0600); err != nil {
				fmt.Printf("* saving %s: %v\n", name, err)
				return true
			}
			fmt.Printf("* received %s (%d bytes)\n", name, len(file.Data))
		}
		return true
	case wire.PlainFileResponse:
		data, ok := a.files.takePending(msg.FileID)
		if !ok {
			return true
		}
		if !msg.Accept {
			fmt.Printf("* %s declined the transfer\n", short(ev.Peer))
			return true
		}
		a.client.SendFileData(ev.Peer, msg.FileID, data)
		fmt.Printf("* sending %d bytes to %s\n", len(data), short(ev.Peer))
		return true
	default:
		return false
	}
}

func (a *app) readInput() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/peers":
			for _, sid := range a.client.Peers().Peers() {
				fmt.Printf("  %s\n", short(sid))
			}
		case strings.HasPrefix(line, "/verify "):
			a.printSafetyNumber(strings.TrimSpace(line[8:]))
		case strings.HasPrefix(line, "/join "):
			a.client.JoinGroup(strings.TrimSpace(line[6:]))
		case strings.HasPrefix(line, "/leave "):
			a.client.LeaveGroup(strings.TrimSpace(line[7:]))
		case strings.HasPrefix(line, "/msg "):
			parts := strings.SplitN(line[5:], " ", 2)
			if len(parts) == 2 {
				a.client.SendDirectText(a.resolve(parts[0]), parts[1])
				a.recordOwn(parts[1])
			}
		case strings.HasPrefix(line, "/send "):
			parts := strings.SplitN(line[6:], " ", 2)
			if len(parts) != 2 {
				break
			}
			target := a.resolve(parts[0])
			data, err := os.ReadFile(parts[1])
			if err != nil {
				fmt.Printf("* reading file: %v\n", err)
				break
			}
			fileID := a.client.OfferFile(
				target, filepath.Base(parts[1]), uint64(len(data)),
			)
			a.files.addPending(fileID, data)
		default:
			a.client.SendText(line)
			a.recordOwn(line)
		}
	}
}

// recordOwn logs an outbound message so history replays both sides.
func (a *app) recordOwn(content string) {
	a.record(&wire.PlainMessage{
		Kind:      wire.PlainText,
		Sender:    a.client.SessionID(),
		Timestamp: time.Now().Unix(),
		Content:   content,
	})
}

func (a *app) printSafetyNumber(target string) {
	sid := a.resolve(target)
	peer, ok := a.client.Peers().Peer(sid)
	if !ok {
		fmt.Println("* no session with that peer")
		return
	}

	if known, err := a.storage.FindPeer(peer.IdentityKey); err == nil {
		fmt.Printf("known peer, first seen %s\n",
			known.FirstSeen.Local().Format(time.DateTime))
	} else {
		fmt.Println("peer is not in the known list yet")
	}

	sn := a.identity.SafetyNumber(peer.IdentityKey)
	fmt.Printf("safety number: %s\n", sn.Numeric())
	fmt.Printf("emoji: %s\n", sn.Emoji())
	os.Stdout.Write(fingerprint.QrCode(sn.Numeric()))
}

// resolve expands a session-id prefix to the full id when unambiguous.
func (a *app) resolve(prefix string) string {
	match := prefix
	matches := 0
	for _, sid := range a.client.Peers().Peers() {
		if strings.HasPrefix(sid, prefix) {
			match = sid
			matches++
		}
	}
	if matches != 1 {
		return prefix
	}
	return match
}

func loadOrCreateIdentity(path string, password []byte) (*whisper.Identity, error) {
	identity, err := whisper.LoadIdentity(path, password)
	switch {
	case err == nil:
		return identity, nil
	case errors.Is(err, whisper.ErrWrongPassword):
		return nil, err
	case errors.Is(err, os.ErrNotExist):
		// continue
	default:
		return nil, fmt.Errorf("loading identity: %w", err)
	}

	slog.Info("no identity found, generating a new one", slog.String("path", path))
	identity, err = whisper.NewIdentity()
	if err != nil {
		return nil, err
	}
	if err := identity.Save(path, password); err != nil {
		return nil, fmt.Errorf("saving identity: %w", err)
	}
	return identity, nil
}

func readPassword() ([]byte, error) {
	if env := os.Getenv("WHISPER_PASSWORD"); env != "" {
		return []byte(env), nil
	}
	fmt.Print("password: ")
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	return pass, err
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".whisper"
	}
	return filepath.Join(home, ".config", "whisper")
}

func short(sid string) string {
	if len(sid) <= 12 {
		return sid
	}
	return sid[:12]
}
