package proxmox

import (
	"fmt"

	"github.com/buildforever/farm/pkg/fault"
)

func connectivityError(op string, err error) error {
	return fault.New(fault.KindConnectivity, fmt.Errorf("proxmox %s: %w", op, err))
}

func provisioningError(op string, err error) error {
	return fault.New(fault.KindProvisioning, fmt.Errorf("proxmox %s: %w", op, err))
}

func timeoutError(op string, err error) error {
	return fault.New(fault.KindTimeout, fmt.Errorf("proxmox %s: %w", op, err))
}

// apiError is a non-2xx answer from the Proxmox API.
type apiError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *apiError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api returned %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("api returned %s", e.Status)
}
