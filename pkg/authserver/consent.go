// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/mcpkit/authgate/pkg/logger"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// renderConsentPage writes the consent page for the staged authorization.
func renderConsentPage(w http.ResponseWriter, data *ConsentData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pageTemplates.ExecuteTemplate(w, "consent.html", data); err != nil {
		logger.Errorw("failed to render consent page", "error", err)
	}
}

// renderErrorPage writes the plain HTML error page used when no safe
// redirect URI is known.
func renderErrorPage(w http.ResponseWriter, oe *oauthError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(oe.status)
	data := struct {
		Code        string
		Description string
	}{Code: oe.code, Description: oe.description}
	if err := pageTemplates.ExecuteTemplate(w, "error.html", data); err != nil {
		logger.Errorw("failed to render error page", "error", err)
	}
}
