package auth

// AuthProvider decides which users may authenticate through the
// proxy. Credential checking itself happens against the upstream
// host, not here.
type AuthProvider interface {
	Auth(user string) bool
}

type defaultAuthProvider struct{}

func (*defaultAuthProvider) Auth(string) bool {
	return true
}

var DefaultAuthProvider = &defaultAuthProvider{}

type WhitelistAuthProvider struct {
	whitelist map[string]struct{}
}

func (w *WhitelistAuthProvider) Auth(user string) bool {
	_, ok := w.whitelist[user]
	return ok
}

func NewWhitelistAuthProvider(users []string) *WhitelistAuthProvider {
	whitelist := make(map[string]struct{})
	for _, user := range users {
		whitelist[user] = struct{}{}
	}
	return &WhitelistAuthProvider{whitelist: whitelist}
}
