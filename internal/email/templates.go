package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	texttemplate "text/template"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

type baseEmailData struct {
	Title   string
	Heading string
}

type alertEmailData struct {
	baseEmailData
	Alert
}

func renderEmailTemplate(name string, data any) (string, error) {
	templates := []string{"templates/base.html", "templates/" + name}
	tmpl, err := template.New("base.html").ParseFS(templateFS, templates...)
	if err != nil {
		return "", fmt.Errorf("parse email template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "email", data); err != nil {
		return "", fmt.Errorf("execute email template %s: %w", name, err)
	}
	return buf.String(), nil
}

func renderTextTemplate(name string, data any) (string, error) {
	tmpl, err := texttemplate.ParseFS(templateFS, "templates/"+name)
	if err != nil {
		return "", fmt.Errorf("parse text template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute text template %s: %w", name, err)
	}
	return buf.String(), nil
}

func renderAlert(alert Alert) (string, string, error) {
	data := alertEmailData{
		baseEmailData: baseEmailData{
			Title:   "Call recovery alert",
			Heading: alert.Message,
		},
		Alert: alert,
	}
	htmlContent, err := renderEmailTemplate("alert.html", data)
	if err != nil {
		return "", "", err
	}
	textContent, err := renderTextTemplate("alert.txt", data)
	if err != nil {
		return "", "", err
	}
	return htmlContent, textContent, nil
}
