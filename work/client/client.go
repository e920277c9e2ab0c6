package client

import (
	"net/http"
	"time"
)

// Options controls the behaviour of one upstream group's HTTP client.
type Options struct {
	UserAgent       string
	FollowRedirects bool
}

// HeaderSettingClient wraps http.Client to automatically set headers
type HeaderSettingClient struct {
	Client  *http.Client
	options Options
}

// NewHeaderSettingClient builds the client shared by every connection of an upstream group.
// There is no overall timeout: callers bound each request with a context.
func NewHeaderSettingClient(options Options) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
		},
	}
	if !options.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &HeaderSettingClient{
		Client:  client,
		options: options,
	}
}

func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if hsc.options.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.options.UserAgent)
	}
	req.Header.Set("Accept", "*/*")
}
