// ABOUTME: Plugin detection for request logging.
// ABOUTME: Determines which plugin a request belongs to based on URL path.

package logging

import (
	"strings"

	"github.com/2389/stromwissen/plugins/core"
)

// GetPluginFromPath returns the plugin serving path, "admin" for the admin
// surface and "" for everything else.
func GetPluginFromPath(path string) string {
	if rest, ok := strings.CutPrefix(path, core.RoutePrefix+"/"); ok {
		name, _, _ := strings.Cut(rest, "/")
		return name
	}
	if path == "/admin" || strings.HasPrefix(path, "/admin/") {
		return "admin"
	}
	return ""
}
