// Package invoke builds and sends the shell command that launches the
// assistant inside a session, and runs the profile-switch, rate-limit and
// token-capture protocols around it.
package invoke

import "github.com/asheshgoplani/agentterm/internal/profile"

// Method is how credentials reach the assistant process. The concrete
// types are DefaultMethod, TempCredentialMethod and ConfigDirMethod.
type Method interface {
	methodName() string
}

// DefaultMethod uses whatever credentials the assistant finds on its own.
type DefaultMethod struct{}

// TempCredentialMethod passes a bearer token through a one-shot script.
type TempCredentialMethod struct {
	Token string
}

// ConfigDirMethod points the assistant at an alternate config directory.
type ConfigDirMethod struct {
	ConfigDir string
}

func (DefaultMethod) methodName() string        { return "default" }
func (TempCredentialMethod) methodName() string { return "temp_credential" }
func (ConfigDirMethod) methodName() string      { return "config_dir" }

// MethodName returns a stable name for logging.
func MethodName(m Method) string {
	if m == nil {
		return DefaultMethod{}.methodName()
	}
	return m.methodName()
}

// SelectMethod picks the method for a profile. A token beats a config dir.
func SelectMethod(p *profile.Profile, token string) Method {
	switch {
	case p == nil:
		return DefaultMethod{}
	case token != "":
		return TempCredentialMethod{Token: token}
	case p.ConfigDir != "":
		return ConfigDirMethod{ConfigDir: p.ConfigDir}
	default:
		return DefaultMethod{}
	}
}
