package client

import "github.com/sschepens/bookkeeper/protocol"

// SendFunc is handed to an AuthProvider so it can push an outbound AUTH
// payload onto the wire without knowing anything about framing.
type SendFunc func(payload []byte)

// CompletionFunc is the completion channel an AuthProviderFactory supplies
// at construction: the AuthProvider calls it exactly once, with OK on
// success or a specific failure ErrCode (typically Unauthorized).
type CompletionFunc func(code ErrCode)

// AuthProvider drives one authentication session for one connection. A new
// AuthProvider is obtained from the factory for every connect attempt; it
// is owned by its PCC for the lifetime of that single session (spec §9).
type AuthProvider interface {
	// Init begins the handshake, sending zero or more payloads via send.
	Init(send SendFunc)
	// Process handles one inbound AUTH payload, optionally sending more
	// payloads via send. The provider signals completion by invoking the
	// CompletionFunc it was constructed with -- not by a return value here.
	Process(incoming []byte, send SendFunc)
}

// AuthProviderFactory mints a fresh AuthProvider for each connection and
// identifies the plugin by name for the compatibility check in spec §4.2.
type AuthProviderFactory interface {
	PluginName() string
	NewProvider(addr protocol.ServerAddress, completion CompletionFunc) AuthProvider
}

// NoAuth is an AuthProviderFactory whose provider completes immediately
// with OK and never exchanges any payload. It's the default when a client
// is constructed without an explicit factory, matching deployments that
// disable authentication entirely.
var NoAuth AuthProviderFactory = noAuthFactory{}

type noAuthFactory struct{}

func (noAuthFactory) PluginName() string { return "" }

func (noAuthFactory) NewProvider(_ protocol.ServerAddress, completion CompletionFunc) AuthProvider {
	return noAuthProvider{completion: completion}
}

type noAuthProvider struct{ completion CompletionFunc }

func (p noAuthProvider) Init(SendFunc) { p.completion(OK) }
func (noAuthProvider) Process(_ []byte, _ SendFunc) {}
