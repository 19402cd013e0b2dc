package chatwidget

import "embed"

// TemplateFS contains the embedded HTML templates used for rendering the widget. The widget layout lives at
// the top level, the fragments pushed to the page over server-sent events live in partials.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded loader script and stylesheet that host pages include.
//
//go:embed static/*
var StaticFS embed.FS
