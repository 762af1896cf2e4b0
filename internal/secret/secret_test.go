package secret

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	// Arrange
	c, err := NewCipher("correct horse battery staple")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// Act
	stored, err := c.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	plain, err := c.Decrypt(stored)

	// Assert
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.HasPrefix(stored, Prefix) {
		t.Errorf("Expected stored value to start with %q, got %q", Prefix, stored)
	}
	if strings.Contains(stored, "hunter2") {
		t.Errorf("Stored value leaks plaintext: %q", stored)
	}
	if plain != "hunter2" {
		t.Errorf("Expected %q, got %q", "hunter2", plain)
	}
}

func TestEncryptIsIdempotentOnStoredValues(t *testing.T) {
	c, _ := NewCipher("k")
	stored, _ := c.Encrypt("value")
	again, err := c.Encrypt(stored)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if again != stored {
		t.Errorf("Expected already encrypted value to pass through")
	}
	empty, _ := c.Encrypt("")
	if empty != "" {
		t.Errorf("Expected empty value to stay empty, got %q", empty)
	}
}

func TestDecrypt(t *testing.T) {
	c, _ := NewCipher("k")
	other, _ := NewCipher("other")
	stored, _ := other.Encrypt("value")

	testCases := []struct {
		name          string
		input         string
		expected      string
		expectedError error
	}{
		{
			name:     "Legacy plaintext",
			input:    "plain",
			expected: "plain",
		},
		{
			name:          "Wrong key",
			input:         stored,
			expectedError: DecryptionError,
		},
		{
			name:          "Bad base64",
			input:         Prefix + "%%%",
			expectedError: DecryptionError,
		},
		{
			name:          "Too short",
			input:         Prefix + "AAAA",
			expectedError: DecryptionError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Decrypt(tc.input)
			if tc.expectedError != nil {
				if !errors.Is(err, tc.expectedError) {
					t.Errorf("Expected %q, got %q", tc.expectedError, err)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error %q", err)
			}
			if got != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, got)
			}
		})
	}
}
