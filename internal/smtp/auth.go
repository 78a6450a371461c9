package smtp

import (
	"fmt"
	"net/smtp"
	"strings"
)

// loginAuth implements the LOGIN mechanism. Some providers (notably
// Microsoft 365) advertise only AUTH LOGIN and reject PLAIN.
type loginAuth struct {
	username, password string
}

// LoginAuth returns an smtp.Auth implementing the LOGIN mechanism.
func LoginAuth(username, password string) smtp.Auth {
	return &loginAuth{username: username, password: password}
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.TrimSpace(strings.ToLower(string(fromServer))) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected LOGIN prompt: %q", fromServer)
	}
}
