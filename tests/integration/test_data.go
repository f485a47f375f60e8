package integration

import (
	"fmt"
	"time"
)

// TestCaptchaToken passes the captcha gate's plausibility check
const TestCaptchaToken = "integration-captcha-response"

// TestUser generates unique test user credentials using timestamp
func TestUser(suffix string) (email, password string) {
	ts := time.Now().UnixNano()
	email = fmt.Sprintf("test-%d-%s@example.com", ts, suffix)
	password = "TestPassword123!"
	return
}
