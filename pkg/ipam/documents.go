package ipam

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/froyo-ipam/pkg/engine"
	"github.com/openfroyo/froyo-ipam/pkg/stores"
)

func storeError(message string, err error, link string) error {
	if errors.Is(err, stores.ErrNotFound) {
		return engine.NewPermanentError(message, err).WithCode(engine.ErrCodeNotFound).WithResource(link)
	}
	return engine.NewTransientError(message, err).WithResource(link)
}

// GetSubnet reads the subnet document at link.
func GetSubnet(ctx context.Context, store stores.DocumentStore, link string) (*SubnetState, error) {
	doc, err := store.Get(ctx, link)
	if err != nil {
		return nil, storeError("failed to read subnet", err, link)
	}
	if doc.Kind != DocumentKindSubnet {
		return nil, engine.NewValidationError("%s is a %s, not a subnet", link, doc.Kind).WithResource(link)
	}

	var subnet SubnetState
	if err := doc.Decode(&subnet); err != nil {
		return nil, engine.NewPermanentError("failed to decode subnet", err).WithResource(link)
	}
	subnet.Link = doc.Link
	return &subnet, nil
}

// ListSubnetRanges returns the ranges of a subnet ordered by link.
func ListSubnetRanges(ctx context.Context, store stores.DocumentStore, subnetLink string) ([]*SubnetRangeState, error) {
	docs, err := stores.QueryAll(ctx, store, stores.Query{Kind: DocumentKindSubnetRange}.Where("subnet_link", subnetLink))
	if err != nil {
		return nil, engine.NewTransientError("failed to query subnet ranges", err).WithResource(subnetLink)
	}

	ranges := make([]*SubnetRangeState, 0, len(docs))
	for _, doc := range docs {
		var r SubnetRangeState
		if err := doc.Decode(&r); err != nil {
			return nil, engine.NewPermanentError("failed to decode subnet range", err).WithResource(doc.Link)
		}
		r.Link = doc.Link
		ranges = append(ranges, &r)
	}
	return ranges, nil
}

// ListIPAddresses returns the address records of the given ranges,
// optionally restricted to some statuses.
func ListIPAddresses(ctx context.Context, store stores.DocumentStore, rangeLinks []string, statuses ...IPAddressStatus) ([]*IPAddressState, error) {
	if len(rangeLinks) == 0 {
		return nil, nil
	}

	q := stores.Query{Kind: DocumentKindIPAddress}.Where("subnet_range_link", rangeLinks...)
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		q = q.Where("status", values...)
	}

	docs, err := stores.QueryAll(ctx, store, q)
	if err != nil {
		return nil, engine.NewTransientError("failed to query address records", err)
	}

	records := make([]*IPAddressState, 0, len(docs))
	for _, doc := range docs {
		rec, err := decodeIPAddress(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetIPAddress reads one address record.
func GetIPAddress(ctx context.Context, store stores.DocumentStore, link string) (*IPAddressState, error) {
	doc, err := store.Get(ctx, link)
	if err != nil {
		return nil, storeError("failed to read address record", err, link)
	}
	return decodeIPAddress(doc)
}

func decodeIPAddress(doc *stores.Document) (*IPAddressState, error) {
	var rec IPAddressState
	if err := doc.Decode(&rec); err != nil {
		return nil, engine.NewPermanentError("failed to decode address record", err).WithResource(doc.Link)
	}
	rec.Link = doc.Link
	rec.Version = doc.Version
	return &rec, nil
}

func (rec *IPAddressState) document() (*stores.Document, error) {
	doc, err := stores.NewDocument(DocumentKindIPAddress, rec.Link, rec)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to encode address record %s", rec.Address), err).WithResource(rec.Link)
	}
	return doc, nil
}

func (rec *IPAddressState) clone() *IPAddressState {
	c := *rec
	if rec.ReleasedAt != nil {
		t := *rec.ReleasedAt
		c.ReleasedAt = &t
	}
	return &c
}
