// Package telemetry provides OpenTelemetry wiring and semantic conventions for zkwallet.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for wallet telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrOperation differentiates wallet operations (fund, split, open_trader, rotate, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrOrderProduct separates trader and lend order telemetry.
	AttrOrderProduct = attribute.Key("order.product")
	// AttrOrderKind distinguishes market vs limit trader orders.
	AttrOrderKind = attribute.Key("order.kind")
	// AttrOrderStatus captures the lifecycle status reached (PENDING, FILLED, SETTLED, ...).
	AttrOrderStatus = attribute.Key("order.status")
	// AttrErrorCode categorizes failures by wallet error code.
	AttrErrorCode = attribute.Key("error.code")
	// AttrRecordKind labels persistence metrics by record family (seed, account, utxo, request).
	AttrRecordKind = attribute.Key("record.kind")
	// AttrBackend identifies the persistence backend in use.
	AttrBackend = attribute.Key("backend")
)

// Result values
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultExhausted = "exhausted"
)

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// OrderAttributes returns attributes for order transition metrics.
func OrderAttributes(environment, product, kind, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOrderProduct.String(product),
		AttrOrderStatus.String(status),
	}
	if kind != "" {
		attrs = append(attrs, AttrOrderKind.String(kind))
	}
	return attrs
}

// PersistenceAttributes returns attributes for persistence failure metrics.
func PersistenceAttributes(environment, backend, recordKind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBackend.String(backend),
		AttrRecordKind.String(recordKind),
	}
}
