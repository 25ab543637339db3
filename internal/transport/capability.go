package transport

import (
	"encoding/json"
	"net/http"

	"github.com/nugget/eventrelay/internal/buildinfo"
)

// capabilityContentType is the media type a client sends in its Accept
// header to request the capability document instead of a WebSocket
// upgrade.
const capabilityContentType = "application/event-relay+json"

// SupportedCommands lists every client->relay command name this
// connection handler dispatches, advertised verbatim in the capability
// document.
var SupportedCommands = []string{
	"EVENT", "REQ", "CLOSE", "CHANGES", "LASTSEQ", "CHANGES_SUB", "CHANGES_UNSUB",
}

// capabilityDocument is the informational document served when a
// client requests it instead of upgrading.
type capabilityDocument struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Software    string   `json:"software"`
	Version     string   `json:"version"`
	Commands    []string `json:"supported_commands"`
}

// wantsCapabilityDocument reports whether r's Accept header names the
// capability content type.
func wantsCapabilityDocument(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if v == capabilityContentType {
			return true
		}
	}
	return false
}

func serveCapabilityDocument(w http.ResponseWriter, name, description string) {
	doc := capabilityDocument{
		Name:        name,
		Description: description,
		Software:    buildinfo.Software(),
		Version:     buildinfo.Version,
		Commands:    SupportedCommands,
	}
	w.Header().Set("Content-Type", capabilityContentType)
	_ = json.NewEncoder(w).Encode(doc)
}
