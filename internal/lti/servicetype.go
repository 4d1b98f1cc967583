package lti

import (
	"net/url"
	"strings"
)

/*
Service-type and context resolution.

A launch carries its routing hints in two places: the target_link_uri query
string (written there by our own deep linking flow) and the custom claim
(entered by hand in the LMS or echoed from stored content item params). The
resolver applies a fixed priority per field so the same launch always resolves
the same way.
*/

// Known service types.
const (
	ServiceLectureAssistant = "lecture_assistant"
	ServiceQuizGenerator    = "quiz_generator"
	ServicePodcastGenerator = "podcast_generator"
	ServiceContentAssistant = "content_assistant"
)

// ServiceInfo describes one launchable service for the deep linking picker.
type ServiceInfo struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ServiceCatalog lists the launchable services in display order.
func ServiceCatalog() []ServiceInfo {
	return []ServiceInfo{
		{ServiceLectureAssistant, "Lecture Assistant", "Interactive companion for lecture material"},
		{ServiceQuizGenerator, "Quiz Generator", "Generate and deliver quizzes from course content"},
		{ServicePodcastGenerator, "Podcast Generator", "Turn course material into audio episodes"},
		{ServiceContentAssistant, "Content Assistant", "Authoring help for course content"},
	}
}

func knownServiceType(s string) bool {
	switch s {
	case ServiceLectureAssistant, ServiceQuizGenerator, ServicePodcastGenerator, ServiceContentAssistant:
		return true
	}
	return false
}

// LaunchRouting is the resolved routing decision for a launch.
type LaunchRouting struct {
	ServiceType string
	CourseID    string
	GroupID     string
	// Custom carries the launch's custom claim untouched, for the session.
	Custom map[string]string
}

// ServiceResolver resolves routing fields from a launch. Pure; no I/O.
type ServiceResolver struct {
	// DefaultServiceType is used when no hint resolves. Empty means
	// lecture_assistant.
	DefaultServiceType string
}

// Resolve inspects targetLinkURI and the custom claim. Per field the
// priority is: target link query param, custom claim under the bare key,
// custom claim under the custom_-prefixed key, then (for service type only)
// the legacy module_type key, then the default.
func (r ServiceResolver) Resolve(targetLinkURI string, custom map[string]string) LaunchRouting {
	q := url.Values{}
	if u, err := url.Parse(targetLinkURI); err == nil {
		q = u.Query()
	}

	st := firstNonEmpty(
		q.Get("service_type"),
		custom["service_type"],
		custom["custom_service_type"],
		custom["module_type"],
	)
	if !knownServiceType(st) {
		st = r.DefaultServiceType
	}
	if !knownServiceType(st) {
		st = ServiceLectureAssistant
	}

	return LaunchRouting{
		ServiceType: st,
		CourseID: firstNonEmpty(
			q.Get("course_id"),
			custom["course_id"],
			custom["custom_course_id"],
		),
		GroupID: firstNonEmpty(
			q.Get("group_id"),
			custom["group_id"],
			custom["custom_group_id"],
		),
		Custom: custom,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
