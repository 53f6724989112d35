package domain

import (
	"regexp"
	"strings"
)

// Platform identifies one of the supported social content sources.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
	PlatformVK        Platform = "vk"
)

// ParsePlatform maps a wire string to a Platform.
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformInstagram:
		return PlatformInstagram, true
	case PlatformTikTok:
		return PlatformTikTok, true
	case PlatformYouTube:
		return PlatformYouTube, true
	case PlatformVK:
		return PlatformVK, true
	}
	return "", false
}

var (
	youtubeIDPattern   = regexp.MustCompile(`(?:v=|be/|/)([A-Za-z0-9_-]{11})`)
	instagramIDPattern = regexp.MustCompile(`/(?:p|reel|tv)/([A-Za-z0-9_-]+)`)
	tiktokIDPattern    = regexp.MustCompile(`video/(\d+)`)
	vkIDPattern        = regexp.MustCompile(`(?:clip|video)(-?\d+_\d+)`)
)

// ClassifyURL assigns a post URL to a platform bucket using substring markers
// checked in fixed priority: Instagram, then TikTok, then YouTube (long or
// short links), then VK. Returns false for URLs matching no marker.
func ClassifyURL(url string) (Platform, bool) {
	switch {
	case strings.Contains(url, "instagram"):
		return PlatformInstagram, true
	case strings.Contains(url, "tiktok"):
		return PlatformTikTok, true
	case strings.Contains(url, "youtube"), strings.Contains(url, "youtu.be"):
		return PlatformYouTube, true
	case strings.Contains(url, "vk.com"):
		return PlatformVK, true
	}
	return "", false
}

// ExtractIdentifier derives the content token used to join stored posts
// against scraped results. It is deterministic and total: a URL matching no
// platform pattern is returned verbatim, so unrecognized URLs still join by
// exact string; empty input yields "".
func ExtractIdentifier(url string) string {
	if url == "" {
		return ""
	}
	switch {
	case strings.Contains(url, "youtu"):
		if m := youtubeIDPattern.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	case strings.Contains(url, "instagram"):
		if m := instagramIDPattern.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	case strings.Contains(url, "tiktok"):
		if m := tiktokIDPattern.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	case strings.Contains(url, "vk.com"):
		if m := vkIDPattern.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	return url
}
