package dispatcher

import (
	"time"

	"github.com/basket/devbridge/internal/remote"
)

// Notifier delivers outbound traffic to the attached client. Implementations
// must serialize writes.
type Notifier interface {
	// Notify sends {method, params}.
	Notify(method string, params any) error
	// Raw sends a bare text frame.
	Raw(text string) error
}

// Session is the state of one attached debugger. It is created when a
// connection occupies the slot and closed when it leaves; nothing in it
// outlives the connection.
type Session struct {
	ID         string
	RemoteAddr string
	OpenedAt   time.Time

	Cache      *remote.Cache
	Serializer *remote.Serializer
	Reflector  *remote.Reflector

	notifier Notifier
}

// NewSession builds a session with a fresh cache whose serializer and
// reflector inspect values through host.
func NewSession(id string, host remote.Inspector, n Notifier, remoteAddr string) *Session {
	cache := remote.NewCache()
	ser := remote.NewSerializer(host, cache)
	return &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		OpenedAt:   time.Now().UTC(),
		Cache:      cache,
		Serializer: ser,
		Reflector:  remote.NewReflector(host, ser),
		notifier:   n,
	}
}

// Notify pushes an unsolicited message to the client.
func (s *Session) Notify(method string, params any) error {
	return s.notifier.Notify(method, params)
}

// Raw sends a bare text frame.
func (s *Session) Raw(text string) error {
	return s.notifier.Raw(text)
}

// Close drops every cached object. The next id handed out is "1".
func (s *Session) Close() {
	s.Cache.Reset()
}
