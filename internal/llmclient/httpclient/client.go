// Package httpclient builds the HTTP clients the provider SDKs run on:
// proxy support plus per-provider request hooks.
package httpclient

import (
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// HookFunc can modify an outgoing request before it is sent.
type HookFunc func(req *http.Request) error

// HeaderHook returns a hook that sets fixed headers on every request,
// for providers that need extra identification headers.
func HeaderHook(headers map[string]string) HookFunc {
	return func(req *http.Request) error {
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return nil
	}
}

// requestModifier wraps an http.RoundTripper to apply hooks to each request
type requestModifier struct {
	http.RoundTripper
	hooks []HookFunc
}

func (t *requestModifier) RoundTrip(req *http.Request) (*http.Response, error) {
	for _, hook := range t.hooks {
		if err := hook(req); err != nil {
			return nil, err
		}
	}
	return t.RoundTripper.RoundTrip(req)
}

// CreateHTTPClientWithProxy creates an HTTP client with proxy support.
// http, https and socks5 schemes are supported; anything else falls back
// to the default client.
func CreateHTTPClientWithProxy(proxyURL string) *http.Client {
	if proxyURL == "" {
		return http.DefaultClient
	}

	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		logrus.Errorf("Failed to parse proxy URL %s: %v, using default client", proxyURL, err)
		return http.DefaultClient
	}

	transport := &http.Transport{}
	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, nil, proxy.Direct)
		if err != nil {
			logrus.Errorf("Failed to create SOCKS5 proxy dialer: %v, using default client", err)
			return http.DefaultClient
		}
		dialContext, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return http.DefaultClient
		}
		transport.DialContext = dialContext.DialContext
	default:
		logrus.Errorf("Unsupported proxy scheme %s, supported schemes are http, https, socks5", parsedURL.Scheme)
		return http.DefaultClient
	}

	return &http.Client{Transport: transport}
}

// CreateHTTPClient builds a client with optional proxy and request hooks.
func CreateHTTPClient(proxyURL string, hooks ...HookFunc) *http.Client {
	client := CreateHTTPClientWithProxy(proxyURL)
	if len(hooks) == 0 {
		return client
	}
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Transport: &requestModifier{RoundTripper: transport, hooks: hooks},
		Timeout:   client.Timeout,
	}
}
