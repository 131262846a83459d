package nats

import (
	"net/url"
	"strconv"
)

// DefaultPort is used when a server URI omits the port.
const DefaultPort = 4222

const (
	uriScheme    = "nats"
	uriSchemeWS  = "ws"
	uriSchemeWSS = "wss"
)

type credentials struct {
	username string
	password string
}

// serverInfo is one candidate server from the configured list. The
// maxPayload and tlsRequired fields are learned from the server's INFO
// frame and persist across reconnect attempts to the same candidate.
type serverInfo struct {
	scheme      string
	host        string
	port        uint16
	credentials *credentials
	maxPayload  int
	tlsRequired bool
}

func (server *serverInfo) uri() string {
	return server.scheme + "://" + server.host + ":" + portString(server.port)
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}

// parseServerURI parses one broker URI of the form
// scheme://[user:pass@]host[:port]. The scheme must be nats, ws, or
// wss; ws and wss select the WebSocket transport.
func parseServerURI(uri string) (serverInfo, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return serverInfo{}, wrapError(InvalidSchemeError, "Invalid server URI", err)
	}

	switch parsed.Scheme {
	case uriScheme, uriSchemeWS, uriSchemeWSS:
	default:
		return serverInfo{}, NewError(InvalidSchemeError, "Unsupported scheme", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return serverInfo{}, NewError(InvalidClientConfig, "Missing host name")
	}

	port := uint16(DefaultPort)
	if portValue := parsed.Port(); portValue != "" {
		parsedPort, err := strconv.ParseUint(portValue, 10, 16)
		if err != nil {
			return serverInfo{}, NewError(InvalidClientConfig, "Invalid port", portValue)
		}
		port = uint16(parsedPort)
	}

	info := serverInfo{scheme: parsed.Scheme, host: host, port: port}

	if parsed.User != nil {
		username := parsed.User.Username()
		password, hasPassword := parsed.User.Password()
		switch {
		case username == "" && !hasPassword:
			// Bare "@" separator, no credentials configured.
		case username == "":
			return serverInfo{}, NewError(InvalidClientConfig, "Username can't be empty")
		case !hasPassword:
			return serverInfo{}, NewError(InvalidClientConfig, "Password can't be empty")
		default:
			info.credentials = &credentials{username: username, password: password}
		}
	}

	return info, nil
}
