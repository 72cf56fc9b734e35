package provider

// FingerprintTemplate is the fixed per-device-type browser identity used
// when creating provider profiles.
type FingerprintTemplate struct {
	UserAgent        string
	ScreenResolution string
	OS               string
}

var deviceTemplates = map[string]FingerprintTemplate{
	"desktop": {
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		ScreenResolution: "1920x1080",
		OS:               "Windows",
	},
	"maclike": {
		UserAgent:        "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		ScreenResolution: "2560x1600",
		OS:               "Mac OS X",
	},
	"mobile": {
		UserAgent:        "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
		ScreenResolution: "412x915",
		OS:               "Android",
	},
}

// TemplateFor returns the fingerprint template for a device type, falling
// back to desktop for unknown values.
func TemplateFor(deviceType string) FingerprintTemplate {
	if t, ok := deviceTemplates[deviceType]; ok {
		return t
	}
	return deviceTemplates["desktop"]
}
