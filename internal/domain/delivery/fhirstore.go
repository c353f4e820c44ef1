package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/platform/fhir"
	"github.com/ehr/transfer/internal/platform/httpclient"
)

type FHIRStoreConfig struct {
	Server httpclient.Config `mapstructure:"server"`
}

func (c FHIRStoreConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// FHIRStoreSender writes each bundle as one transaction of PUT entries, so a
// redelivery overwrites instead of duplicating.
type FHIRStoreSender struct {
	client *fhir.Client
}

func NewFHIRStoreSender(client *fhir.Client) *FHIRStoreSender {
	return &FHIRStoreSender{client: client}
}

func (s *FHIRStoreSender) Send(ctx context.Context, b transfer.TransportBundle) (transfer.Receipt, error) {
	tx, err := fhir.NewTransactionBundle(b.ID, b.Resources)
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("build transaction: %w", err)
	}
	resp, err := s.client.Transaction(ctx, tx)
	if err != nil {
		var re *fhir.RequestError
		if errors.As(err, &re) {
			if re.StatusCode == 0 {
				return transfer.Receipt{}, transportError(re.Err)
			}
			return transfer.Receipt{}, rejected(re.StatusCode, re.Body)
		}
		return transfer.Receipt{}, &DeliveryError{Reason: ReasonRejected, Err: err}
	}

	receipt := transfer.Receipt{
		BundleID:   b.ID,
		StatusCode: http.StatusOK,
		Location:   s.client.Base(),
		Resources:  len(resp.Entry),
	}
	return receipt, nil
}
