package whisper

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/term"

	"github.com/Bentlybro/whisper/pkg/store"
)

var (
	ErrPeerNotKnown = errors.New("peer is not known")

	peersBucket = []byte(store.DefaultBucket + "_peers")
)

// KnownPeer is a trusted identity on record: key, first-seen time, and the
// last nickname observed over the encrypted channel.
type KnownPeer struct {
	PublicKey []byte    `msgpack:"public_key"`
	Nickname  string    `msgpack:"nickname,omitempty"`
	FirstSeen time.Time `msgpack:"first_seen"`
}

type PassphraseHandler func() ([]byte, error)

func defaultPassphraseHandler() ([]byte, error) {
	if envPass := os.Getenv("WHISPER_DB_PASSPHRASE"); envPass != "" {
		return []byte(envPass), nil
	}

	fmt.Println("Enter passphrase:")
	pass, err := term.ReadPassword(0)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(pass), nil
}

// Storage is the client's trust store: known peer identities and nicknames,
// kept in a passphrase-protected database.
type Storage struct {
	passphraseHandler PassphraseHandler
	store             *store.Store
	dbPath            string
}

func OpenStorage(opts ...StorageOption) (*Storage, error) {
	s := &Storage{passphraseHandler: defaultPassphraseHandler}
	for _, opt := range opts {
		opt(s)
	}

	if s.dbPath == "" {
		if envPath := os.Getenv("WHISPER_DB_PATH"); envPath != "" {
			s.dbPath = envPath
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("getting user's home directory: %w", err)
			}
			s.dbPath = filepath.Join(home, ".config", "whisper", "db")
		}
	}
	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	pass, err := s.passphraseHandler()
	if err != nil {
		return nil, fmt.Errorf("getting passphrase: %w", err)
	}
	db, err := store.New(pass, s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening whisper db: %w", err)
	}
	s.store = db

	return s, nil
}

func (s *Storage) Close() error {
	return s.store.Close()
}

// TrustPeer records a peer identity, preserving the original first-seen
// time when the peer is already on record.
func (s *Storage) TrustPeer(publicKey []byte, nickname string) error {
	peer := KnownPeer{
		PublicKey: publicKey,
		Nickname:  nickname,
		FirstSeen: time.Now().UTC(),
	}
	if existing, err := s.FindPeer(publicKey); err == nil {
		peer.FirstSeen = existing.FirstSeen
		if nickname == "" {
			peer.Nickname = existing.Nickname
		}
	}

	data, err := msgpack.Marshal(peer)
	if err != nil {
		return fmt.Errorf("marshalling peer: %w", err)
	}
	err = s.store.Command(func(c store.Command) error {
		return c.AddEncrypted(peersBucket, publicKey, data)
	})
	if err != nil {
		return fmt.Errorf("storing peer: %w", err)
	}
	return nil
}

// FindPeer looks a peer up by identity key.
func (s *Storage) FindPeer(publicKey []byte) (*KnownPeer, error) {
	var data []byte
	err := s.store.Query(func(q store.Query) error {
		var err error
		data, err = q.GetEncrypted(peersBucket, publicKey)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrMissingItem) ||
			errors.Is(err, store.ErrMissingBucket) {
			return nil, ErrPeerNotKnown
		}
		return nil, fmt.Errorf("finding peer: %w", err)
	}

	var peer KnownPeer
	if err := msgpack.Unmarshal(data, &peer); err != nil {
		return nil, fmt.Errorf("unmarshalling peer: %w", err)
	}
	return &peer, nil
}

// KnownPeers lists every trusted identity.
func (s *Storage) KnownPeers() ([]KnownPeer, error) {
	var peers []KnownPeer
	err := s.store.Query(func(q store.Query) error {
		for _, value := range q.IterateEncrypted(peersBucket) {
			var peer KnownPeer
			if err := msgpack.Unmarshal(value, &peer); err != nil {
				continue
			}
			peers = append(peers, peer)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}
	return peers, nil
}

// ForgetPeer removes a trusted identity.
func (s *Storage) ForgetPeer(publicKey []byte) error {
	return s.store.Command(func(c store.Command) error {
		return c.Delete(peersBucket, publicKey)
	})
}

type StorageOption func(*Storage)

func StorageWithDBPath(path string) StorageOption {
	return func(s *Storage) { s.dbPath = path }
}

func StorageWithPassphraseHandler(fn PassphraseHandler) StorageOption {
	return func(s *Storage) { s.passphraseHandler = fn }
}

func StorageWithNoPassphrase() StorageOption {
	return func(s *Storage) {
		s.passphraseHandler = func() ([]byte, error) { return []byte(""), nil }
	}
}
