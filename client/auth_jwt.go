package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"github.com/sschepens/bookkeeper/protocol"
)

// jwtPluginName is the plugin name advertised in every JWT AUTH payload,
// and checked against the peer's claim per spec §4.2's compatibility check.
const jwtPluginName = "jwt"

// jwtClaims is the payload carried by both the client's AUTH frame and the
// server's ack: a signed token naming the plugin and the principal.
type jwtClaims struct {
	jwt.RegisteredClaims
	Plugin    string `json:"plugin"`
	Principal string `json:"principal"`
}

// JWTAuthProviderFactory authenticates connections with a single shared
// HMAC secret, matching the simplest deployment of token-based auth: every
// client and server in the cluster shares one signing key out of band.
type JWTAuthProviderFactory struct {
	Principal string
	Secret    []byte
	TTL       time.Duration
}

func (f *JWTAuthProviderFactory) PluginName() string { return jwtPluginName }

func (f *JWTAuthProviderFactory) NewProvider(addr protocol.ServerAddress, completion CompletionFunc) AuthProvider {
	var ttl = f.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &jwtAuthProvider{
		factory:    f,
		addr:       addr,
		completion: completion,
		ttl:        ttl,
	}
}

type jwtAuthProvider struct {
	factory    *JWTAuthProviderFactory
	addr       protocol.ServerAddress
	completion CompletionFunc
	ttl        time.Duration
	sent       bool
}

// Init sends the client's signed token as the single outbound AUTH payload.
func (p *jwtAuthProvider) Init(send SendFunc) {
	var now = time.Now()
	var claims = jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
		Plugin:    jwtPluginName,
		Principal: p.factory.Principal,
	}
	var tok = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := tok.SignedString(p.factory.Secret)
	if err != nil {
		log.WithError(err).WithField("addr", p.addr).Error("failed to sign jwt auth token")
		p.completion(Unauthorized)
		return
	}
	p.sent = true
	send([]byte(signed))
}

// Process validates the server's ack token and checks its embedded plugin
// name against ours, per spec §4.2's compatibility check.
func (p *jwtAuthProvider) Process(incoming []byte, _ SendFunc) {
	if !p.sent {
		// A payload arrived before we ever sent ours; can't happen with a
		// well-behaved server, but guards against misordered test doubles.
		p.completion(Unauthorized)
		return
	}

	var claims jwtClaims
	var _, err = jwt.ParseWithClaims(string(incoming), &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.factory.Secret, nil
	})
	if err != nil {
		log.WithError(err).WithField("addr", p.addr).Warn("jwt auth ack failed validation")
		p.completion(Unauthorized)
		return
	}
	if claims.Plugin != jwtPluginName {
		log.WithFields(log.Fields{
			"addr": p.addr, "expected": jwtPluginName, "got": claims.Plugin,
		}).Warn("jwt auth plugin name mismatch")
		p.completion(Unauthorized)
		return
	}
	p.completion(OK)
}
