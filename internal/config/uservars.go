package config

import (
	"strings"
)

// Built-in placeholder names available in every descriptor.
const (
	VarUserID = "mcppool_user_id"
)

// ExpandUserVars returns a copy of the descriptor with {{name}} placeholders
// in URL, headers and env replaced from vars. The user id is always available
// as {{mcppool_user_id}}. Placeholders with no binding are left intact so the
// upstream server sees them verbatim.
func (s *ServerConfig) ExpandUserVars(userID string, vars map[string]string) *ServerConfig {
	out := s.Clone()

	replacements := make([]string, 0, (len(vars)+1)*2)
	replacements = append(replacements, "{{"+VarUserID+"}}", userID)
	for name := range s.CustomUserVars {
		if v, ok := vars[name]; ok {
			replacements = append(replacements, "{{"+name+"}}", v)
		}
	}
	r := strings.NewReplacer(replacements...)

	out.URL = r.Replace(out.URL)
	for k, v := range out.Headers {
		out.Headers[k] = r.Replace(v)
	}
	for k, v := range out.Env {
		out.Env[k] = r.Replace(v)
	}
	return out
}

// Clone returns a deep copy of the descriptor.
func (s *ServerConfig) Clone() *ServerConfig {
	out := *s
	if s.Args != nil {
		out.Args = append([]string(nil), s.Args...)
	}
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	if s.Headers != nil {
		out.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = v
		}
	}
	if s.CustomUserVars != nil {
		out.CustomUserVars = make(map[string]UserVarSpec, len(s.CustomUserVars))
		for k, v := range s.CustomUserVars {
			out.CustomUserVars[k] = v
		}
	}
	if s.Instructions != nil {
		insCopy := *s.Instructions
		out.Instructions = &insCopy
	}
	if s.OAuth != nil {
		oauthCopy := *s.OAuth
		if s.OAuth.Scopes != nil {
			oauthCopy.Scopes = append([]string(nil), s.OAuth.Scopes...)
		}
		out.OAuth = &oauthCopy
	}
	return &out
}
