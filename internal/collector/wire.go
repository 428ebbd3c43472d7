// Package collector carries screenshots from capture sessions to the
// learning platform's web service, and provides a reference receiver for
// the same endpoint.
package collector

import (
	"fmt"
	"strings"
)

const (
	// RESTPath is where the web service listens, relative to the site root.
	RESTPath = "/webservice/rest/server.php"

	// FunctionSendScreenshot is the web service function that stores one frame.
	FunctionSendScreenshot = "quizaccess_invigilator_send_screenshot"

	dataURLPrefix = "data:image/png;base64,"
)

// Warning is a non-fatal problem reported alongside a response.
type Warning struct {
	Item        string `json:"item,omitempty"`
	ItemID      int64  `json:"itemid,omitempty"`
	WarningCode string `json:"warningcode"`
	Message     string `json:"message"`
}

// SendScreenshotResponse is the success shape of FunctionSendScreenshot.
type SendScreenshotResponse struct {
	ScreenshotID int64     `json:"screenshotid"`
	Warnings     []Warning `json:"warnings"`
}

// Exception is how the web service reports a failed call.
type Exception struct {
	Exception string `json:"exception"`
	ErrorCode string `json:"errorcode"`
	Message   string `json:"message"`
}

func (e *Exception) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Exception, e.ErrorCode, e.Message)
}

// reply decodes either response shape.
type reply struct {
	SendScreenshotResponse
	Exception
}

func warningsError(ws []Warning) error {
	parts := make([]string, 0, len(ws))
	for _, w := range ws {
		parts = append(parts, fmt.Sprintf("%s: %s", w.WarningCode, w.Message))
	}
	return fmt.Errorf("web service warnings: %s", strings.Join(parts, "; "))
}
