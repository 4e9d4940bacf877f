package server

import "html/template"

// Minimal page shells. The product surface is the flows, not the markup;
// anything presentational belongs to the frontend that wraps this service.
const pagesMarkup = `
{{define "home.html"}}<!DOCTYPE html>
<html><head><title>Whisper</title></head>
<body>
<h1>Whisper</h1>
<p>Share a secret. Anonymously.</p>
<nav><a href="/register">Register</a> <a href="/login">Log in</a> <a href="/secrets">Secrets</a></nav>
</body></html>{{end}}

{{define "register.html"}}<!DOCTYPE html>
<html><head><title>Register</title></head>
<body>
<h1>Register</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form action="/register" method="post">
<label>Username <input type="text" name="username" autocomplete="username"></label>
<label>Password <input type="password" name="password" autocomplete="new-password"></label>
<button type="submit">Register</button>
</form>
<p><a href="/auth/google">Sign up with Google</a></p>
<p><a href="/auth/facebook">Sign up with Facebook</a></p>
</body></html>{{end}}

{{define "login.html"}}<!DOCTYPE html>
<html><head><title>Log in</title></head>
<body>
<h1>Log in</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form action="/login" method="post">
<label>Username <input type="text" name="username" autocomplete="username"></label>
<label>Password <input type="password" name="password" autocomplete="current-password"></label>
<button type="submit">Log in</button>
</form>
<p><a href="/auth/google">Sign in with Google</a></p>
<p><a href="/auth/facebook">Sign in with Facebook</a></p>
</body></html>{{end}}

{{define "secrets.html"}}<!DOCTYPE html>
<html><head><title>Secrets</title></head>
<body>
<h1>Your secrets</h1>
<ul>
{{range .Secrets}}<li>{{.Body}}</li>
{{end}}</ul>
<nav><a href="/submit">Submit a secret</a> <a href="/logout">Log out</a></nav>
</body></html>{{end}}

{{define "submit.html"}}<!DOCTYPE html>
<html><head><title>Submit</title></head>
<body>
<h1>Submit a secret</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form action="/submit" method="post">
<label>Your secret <input type="text" name="secret"></label>
<button type="submit">Submit</button>
</form>
<nav><a href="/secrets">Back</a></nav>
</body></html>{{end}}
`

func pageTemplates() *template.Template {
	return template.Must(template.New("pages").Parse(pagesMarkup))
}
