package generator

import (
	"fmt"
	"strings"
)

// SecondaryTool selects which Pipedream integration accompanies YouTube.
type SecondaryTool string

const (
	ToolDrive  SecondaryTool = "Drive"
	ToolNotion SecondaryTool = "Notion"
)

// ParseSecondaryTool accepts the radio values case-insensitively. Empty means Drive.
func ParseSecondaryTool(s string) (SecondaryTool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drive":
		return ToolDrive, nil
	case "notion":
		return ToolNotion, nil
	default:
		return "", fmt.Errorf("unknown secondary tool %q (want Drive or Notion)", s)
	}
}

// Form holds the values collected from the page.
type Form struct {
	GoogleAPIKey  string        `json:"google_api_key"`
	YouTubeURL    string        `json:"youtube_url"`
	SecondaryTool SecondaryTool `json:"secondary_tool"`
	DriveURL      string        `json:"drive_url"`
	NotionURL     string        `json:"notion_url"`
	Goal          string        `json:"goal"`
}

// Level is how a validation problem is shown.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// ValidationError is returned for a form that must not reach the runner.
type ValidationError struct {
	Field   string `json:"field"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Message }

func (f Form) secondary() SecondaryTool {
	if f.SecondaryTool == "" {
		return ToolDrive
	}
	return f.SecondaryTool
}

func (f Form) secondaryURL() string {
	if f.secondary() == ToolNotion {
		return strings.TrimSpace(f.NotionURL)
	}
	return strings.TrimSpace(f.DriveURL)
}

// Validate checks the fields in display order and reports the first problem.
func (f Form) Validate() error {
	if blank(f.GoogleAPIKey) {
		return &ValidationError{Field: "google_api_key", Level: LevelError,
			Message: "Please enter your Google API key in the sidebar."}
	}
	if blank(f.YouTubeURL) {
		return &ValidationError{Field: "youtube_url", Level: LevelError,
			Message: "YouTube URL is required. Please enter your Pipedream YouTube URL in the sidebar."}
	}
	tool := f.secondary()
	if tool != ToolDrive && tool != ToolNotion {
		return &ValidationError{Field: "secondary_tool", Level: LevelError,
			Message: fmt.Sprintf("Unknown secondary tool %q.", tool)}
	}
	if f.secondaryURL() == "" {
		field := "drive_url"
		if tool == ToolNotion {
			field = "notion_url"
		}
		return &ValidationError{Field: field, Level: LevelError,
			Message: fmt.Sprintf("Please enter your Pipedream %s URL in the sidebar.", tool)}
	}
	if blank(f.Goal) {
		return &ValidationError{Field: "goal", Level: LevelWarning,
			Message: "Please enter your learning goal."}
	}
	return nil
}

// Request builds the runner input. Only the selected secondary URL is passed on.
func (f Form) Request() Request {
	req := Request{
		GoogleAPIKey: strings.TrimSpace(f.GoogleAPIKey),
		YouTubeURL:   strings.TrimSpace(f.YouTubeURL),
		Goal:         strings.TrimSpace(f.Goal),
	}
	if f.secondary() == ToolNotion {
		req.NotionURL = f.secondaryURL()
	} else {
		req.DriveURL = f.secondaryURL()
	}
	return req
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
