package main

import (
	"html/template"
	"io"

	"github.com/labstack/echo/v4"
)

const pages = `
{{define "header"}}<!doctype html><html><head><meta charset="utf-8"><title>Azure AD OIDC demo</title></head><body>{{end}}
{{define "footer"}}</body></html>{{end}}

{{define "home.html"}}{{template "header"}}
{{if .LoggedIn}}
<p>Logged in as <b>{{.User.DisplayName}}</b> ({{.User.Username}})</p>
<p><a href="/logout">Log out</a></p>
{{else}}
<p><a href="/login">Log in</a></p>
{{end}}
{{template "footer"}}{{end}}

{{define "login.html"}}{{template "header"}}
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<p><a href="/login/start?return_to={{.ReturnTo}}">Login with Azure AD</a></p>
{{template "footer"}}{{end}}

{{define "error.html"}}{{template "header"}}
<p class="error">{{.Message}}</p>
<p><a href="/login">Try again</a></p>
{{template "footer"}}{{end}}
`

type renderer struct {
	t *template.Template
}

func newRenderer() *renderer {
	return &renderer{t: template.Must(template.New("pages").Parse(pages))}
}

func (r *renderer) Render(w io.Writer, name string, data any, e echo.Context) error {
	return r.t.ExecuteTemplate(w, name, data)
}
