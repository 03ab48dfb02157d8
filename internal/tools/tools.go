// Package tools defines the closed registry of security tools the engine can
// launch. Adding a tool is a change here and nowhere else — every other
// component resolves tools through this package and never interprets tool
// semantics itself.
package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned by Resolve for names outside the registry.
var ErrUnknownTool = errors.New("unknown tool")

// Tool identifies one of the supported security tools.
type Tool string

const (
	Nmap     Tool = "nmap"
	Nikto    Tool = "nikto"
	SQLMap   Tool = "sqlmap"
	Gobuster Tool = "gobuster"
	Dirb     Tool = "dirb"
	WhatWeb  Tool = "whatweb"
	WPScan   Tool = "wpscan"
)

// All lists every registered tool. Kept in sync with the definitions switch;
// the registry tests cross-check the two.
var All = []Tool{Nmap, Nikto, SQLMap, Gobuster, Dirb, WhatWeb, WPScan}

// Definition describes how a tool is invoked: the container image that ships
// it and the arguments prepended before any caller-supplied flags.
type Definition struct {
	Tool     Tool
	Image    string
	BaseArgs []string
}

// definition is the single source of truth for tool → image/args. The switch
// is exhaustive over the Tool constants; a missing case is caught by tests.
func definition(t Tool) (Definition, bool) {
	switch t {
	case Nmap:
		return Definition{Tool: t, Image: "instrumentisto/nmap:latest", BaseArgs: []string{"nmap"}}, true
	case Nikto:
		return Definition{Tool: t, Image: "ghcr.io/sullo/nikto:latest", BaseArgs: []string{"nikto"}}, true
	case SQLMap:
		return Definition{Tool: t, Image: "googlesky/sqlmap:latest", BaseArgs: []string{"sqlmap"}}, true
	case Gobuster:
		return Definition{Tool: t, Image: "ghcr.io/oj/gobuster:latest", BaseArgs: []string{"gobuster"}}, true
	case Dirb:
		return Definition{Tool: t, Image: "hysnsec/dirb:latest", BaseArgs: []string{"dirb"}}, true
	case WhatWeb:
		return Definition{Tool: t, Image: "secsi/whatweb:latest", BaseArgs: []string{"whatweb"}}, true
	case WPScan:
		return Definition{Tool: t, Image: "wpscanteam/wpscan:latest", BaseArgs: []string{"wpscan"}}, true
	default:
		return Definition{}, false
	}
}

// Resolve looks up a tool by name. Pure lookup — no side effects.
func Resolve(name string) (Definition, error) {
	def, ok := definition(Tool(name))
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return def, nil
}

// Images returns the distinct container images across all registered tools.
// Used for image pre-pulling at startup.
func Images() []string {
	seen := make(map[string]struct{}, len(All))
	images := make([]string, 0, len(All))
	for _, t := range All {
		def, _ := definition(t)
		if _, dup := seen[def.Image]; dup {
			continue
		}
		seen[def.Image] = struct{}{}
		images = append(images, def.Image)
	}
	return images
}
