package recorder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/streamarchive/backend/internal/process"
)

// rawExt is the container the capture tool writes; remux turns it into mp4 later.
const rawExt = ".ts"

// mediaExts are replaced by rawExt when a template spells one out.
var mediaExts = map[string]bool{".ts": true, ".mp4": true, ".mkv": true, ".flv": true, ".m4v": true}

// maxComponentLen caps one sanitized path segment.
const maxComponentLen = 120

// TemplateVars are the values substituted into a filename template.
type TemplateVars struct {
	Streamer    string
	Title       string
	Category    string
	StartedAt   time.Time
	RecordingID int64
}

// unsafeChars are replaced in substituted values; "/" is included so a title cannot create directories.
var unsafeChars = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

func sanitize(v string) string {
	v = unsafeChars.Replace(v)
	v = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, v)
	v = strings.Trim(strings.TrimSpace(v), ".")
	if rs := []rune(v); len(rs) > maxComponentLen {
		v = strings.TrimSpace(string(rs[:maxComponentLen]))
	}
	return v
}

// RenderTemplate expands tmpl with vars. The template itself may contain "/" to create subdirectories.
func RenderTemplate(tmpl string, vars TemplateVars) string {
	t := vars.StartedAt.UTC()
	r := strings.NewReplacer(
		"{streamer}", sanitize(vars.Streamer),
		"{title}", sanitize(vars.Title),
		"{category}", sanitize(vars.Category),
		"{year}", fmt.Sprintf("%04d", t.Year()),
		"{month}", fmt.Sprintf("%02d", int(t.Month())),
		"{day}", fmt.Sprintf("%02d", t.Day()),
		"{hour}", fmt.Sprintf("%02d", t.Hour()),
		"{minute}", fmt.Sprintf("%02d", t.Minute()),
		"{second}", fmt.Sprintf("%02d", t.Second()),
		"{id}", strconv.FormatInt(vars.RecordingID, 10),
	)
	return r.Replace(tmpl)
}

// OutputPath renders tmpl under root and forces the raw capture extension.
// The result always stays inside root; empty segments fall back to the recording id.
func OutputPath(root, tmpl string, vars TemplateVars) (string, error) {
	rendered := RenderTemplate(tmpl, vars)
	parts := strings.Split(filepath.ToSlash(rendered), "/")
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = sanitize(p)
		if p == "" || p == ".." {
			continue
		}
		clean = append(clean, p)
	}
	if len(clean) == 0 {
		clean = append(clean, "recording_"+strconv.FormatInt(vars.RecordingID, 10))
	}
	last := len(clean) - 1
	if ext := filepath.Ext(clean[last]); mediaExts[strings.ToLower(ext)] {
		clean[last] = strings.TrimSuffix(clean[last], ext)
	}
	clean[last] += rawExt

	path := filepath.Join(append([]string{root}, clean...)...)
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("output path %q escapes %q", path, root)
	}
	return path, nil
}

// CaptureCommand builds the capture tool invocation. proxyURL is empty for a direct connection.
func CaptureCommand(binary, streamURL, quality, output, proxyURL string) process.Command {
	args := []string{"--output", output}
	if proxyURL != "" {
		args = append(args, "--http-proxy", proxyURL)
	}
	args = append(args, streamURL, quality)
	return process.Command{Path: binary, Args: args, Dir: filepath.Dir(output)}
}

// proxyFailureMarkers are lowercase stderr fragments that point at the proxy rather than the stream.
var proxyFailureMarkers = []string{
	"proxyerror",
	"cannot connect to proxy",
	"proxy authentication required",
	"tunnel connection failed",
	"unable to connect to proxy",
	"socks",
}

// isProxyFailure reports whether the capture stderr blames the proxy.
func isProxyFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, m := range proxyFailureMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
