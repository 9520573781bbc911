package utils

import "fmt"

// GenerateTrackingPixelURL builds the open-tracking pixel URL for a message.
// The message ID is the send dedup key, so an open reported through the pixel
// correlates straight back to the execution step that sent it.
func GenerateTrackingPixelURL(baseURL, messageID string) string {
	return fmt.Sprintf("%s/track/open/%s", baseURL, messageID)
}

// InjectTracking appends the open-tracking pixel to the email body.
func InjectTracking(htmlContent, baseURL, messageID string) string {
	pixelURL := GenerateTrackingPixelURL(baseURL, messageID)
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)
	return htmlContent + pixel
}

// TransparentPixel returns a 1x1 transparent GIF.
func TransparentPixel() []byte {
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
