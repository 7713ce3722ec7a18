package telemetry

import "fmt"

// Namespace identifies a storage destination on the backend. It is a
// closed, tagged variant: every concrete value is one of V1Namespace,
// V2Namespace, or V3Namespace. Two namespaces are equal iff their
// ToParams() maps are equal.
type Namespace interface {
	// ToParams returns the URL query parameters identifying this
	// namespace on the ingress endpoint.
	ToParams() map[string]string

	isNamespace()
}

type v1Namespace struct {
	database        string
	retentionPolicy string
}

// NewV1Namespace builds a V1-style namespace addressed by database and
// retention policy. Both arguments must be non-empty.
func NewV1Namespace(database, retentionPolicy string) (Namespace, error) {
	if database == "" {
		return nil, fmt.Errorf("%w: database must not be empty", ErrValidation)
	}
	if retentionPolicy == "" {
		return nil, fmt.Errorf("%w: retention policy must not be empty", ErrValidation)
	}
	return v1Namespace{database: database, retentionPolicy: retentionPolicy}, nil
}

func (n v1Namespace) ToParams() map[string]string {
	return map[string]string{"db": n.database, "rp": n.retentionPolicy}
}

func (v1Namespace) isNamespace() {}

type v2Namespace struct {
	organization string
	bucket       string
}

// NewV2Namespace builds a V2-style namespace addressed by organization and
// bucket. Both arguments must be non-empty.
func NewV2Namespace(organization, bucket string) (Namespace, error) {
	if organization == "" {
		return nil, fmt.Errorf("%w: organization must not be empty", ErrValidation)
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket must not be empty", ErrValidation)
	}
	return v2Namespace{organization: organization, bucket: bucket}, nil
}

func (n v2Namespace) ToParams() map[string]string {
	return map[string]string{"org": n.organization, "bucket": n.bucket}
}

func (v2Namespace) isNamespace() {}

type v3Namespace struct {
	name string
}

// NewV3Namespace builds a V3-style namespace addressed by a single opaque
// name. The argument must be non-empty.
func NewV3Namespace(name string) (Namespace, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrValidation)
	}
	return v3Namespace{name: name}, nil
}

func (n v3Namespace) ToParams() map[string]string {
	return map[string]string{"namespace": n.name}
}

func (v3Namespace) isNamespace() {}

// NamespaceFromParams reconstructs a concrete Namespace from a generic
// parameter map, such as one decoded from a Telemessage snapshot. It
// dispatches on which keys are present, mirroring the backend's own
// namespace-detection rules.
func NamespaceFromParams(params map[string]string) (Namespace, error) {
	if db, ok := params["db"]; ok {
		if rp, ok := params["rp"]; ok {
			return NewV1Namespace(db, rp)
		}
	}
	if org, ok := params["org"]; ok {
		if bucket, ok := params["bucket"]; ok {
			return NewV2Namespace(org, bucket)
		}
	}
	if name, ok := params["namespace"]; ok {
		return NewV3Namespace(name)
	}
	return nil, fmt.Errorf("%w: unable to detect namespace type from params %v", ErrValidation, params)
}
