package server

import (
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/JeanGrijp/csrfguard/csrf"
	"go.uber.org/zap"
)

var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
{{.Meta}}
<title>csrfd</title>
</head>
<body>
{{if .User}}
<p>Signed in as {{.User}}</p>
<form method="post" action="/logout">{{.Field}}<button type="submit">Sign out</button></form>
{{else}}
<form method="post" action="/login">{{.Field}}<input name="user" placeholder="name"><button type="submit">Sign in</button></form>
{{end}}
<form method="post" action="/transfer">
{{.Field}}
<input name="to" placeholder="recipient">
<input name="amount" placeholder="amount">
<button type="submit">Transfer</button>
</form>
</body>
</html>
`))

type indexPage struct {
	User  string
	Field template.HTML
	Meta  template.HTML
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTmpl.Execute(w, indexPage{
		User:  sess.User,
		Field: csrf.TemplateField(r),
		Meta:  csrf.TemplateMeta(r),
	})
	if err != nil {
		s.logger.Error("render index", zap.Error(err))
	}
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	to := strings.TrimSpace(r.PostFormValue("to"))
	amount, err := strconv.ParseFloat(r.PostFormValue("amount"), 64)
	if to == "" || err != nil || amount <= 0 {
		http.Error(w, "recipient and a positive amount are required", http.StatusBadRequest)
		return
	}
	s.logger.Info("transfer accepted", zap.String("to", to), zap.Float64("amount", amount))
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte("transfer accepted"))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.PostFormValue("user"))
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	prev, _ := sessionFrom(r.Context())
	// removing the previous session drops its token through the eviction hook
	sess := s.sessions.Login(w, prev.ID, user)
	r, err := s.protector.Rotate(r.Context(), w, r, sess.ID)
	if err != nil {
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}
	tok, _ := csrf.TokenFromContext(r.Context())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(tok))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	s.sessions.Destroy(w, sess.ID)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
