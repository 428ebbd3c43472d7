package collector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shehryarbajwa/invigilator/internal/capture"
)

// ClientOptions configures the upload client.
type ClientOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client uploads frames to the web service. It implements capture.Uploader.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	log      *slog.Logger
}

func NewClient(opts ClientOptions, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(opts.BaseURL, "/") + RESTPath,
		token:    opts.Token,
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.With("component", "collector-client"),
	}
}

// Upload posts one frame. Any transport failure, non-2xx status, exception
// or warning is reported as capture.ErrUploadFailed.
func (c *Client) Upload(ctx context.Context, job capture.UploadJob) error {
	form := url.Values{}
	form.Set("wstoken", c.token)
	form.Set("wsfunction", FunctionSendScreenshot)
	form.Set("moodlewsrestformat", "json")
	form.Set("courseid", strconv.FormatInt(job.CourseID, 10))
	form.Set("cmid", strconv.FormatInt(job.ModuleID, 10))
	form.Set("quizid", strconv.FormatInt(job.QuizID, 10))
	form.Set("screenshot", dataURLPrefix+base64.StdEncoding.EncodeToString(job.Screenshot))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %w", capture.ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", capture.ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", capture.ErrUploadFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", capture.ErrUploadFailed, resp.StatusCode)
	}

	var r reply
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("%w: decode response: %w", capture.ErrUploadFailed, err)
	}
	if r.Exception.Exception != "" || r.ErrorCode != "" {
		return fmt.Errorf("%w: %w", capture.ErrUploadFailed, &r.Exception)
	}
	if len(r.Warnings) > 0 {
		return fmt.Errorf("%w: %w", capture.ErrUploadFailed, warningsError(r.Warnings))
	}

	c.log.Debug("screenshot uploaded", "job", job.ID, "screenshot_id", r.ScreenshotID, "quiz", job.QuizID)
	return nil
}
