package bus

import (
	"time"

	natsd "github.com/nats-io/nats-server/v2/server"
	"github.com/pkg/errors"
)

// StartEmbeddedNats runs a NATS server inside this process, for deployments
// that want multi-instance events without separate infrastructure. Returns
// the client URL to pass to NewNats.
func StartEmbeddedNats(host string, port int) (string, error) {
	opts := &natsd.Options{
		Host: host,
		Port: port,
	}
	server, err := natsd.NewServer(opts)
	if err != nil {
		return "", err
	}
	go server.Start()
	if !server.ReadyForConnections(10 * time.Second) {
		return "", errors.New("embedded nats server did not come up")
	}
	return server.ClientURL(), nil
}
