/*
Package drift detects disagreement between the internal ledger and what a
provider reports, and routes corrections through the sync queue.

An audit compares one key of one metric:

	pay-cents    "<period>" or "<period>/<actorID>"
	hours        "<period>" or "<period>/<actorID>"
	stock-units  "<outletID>/<productID>"

Actor segments are translated to the provider's id through the identity
map before the provider is asked. The ledger value minus the reported
value is the delta. A delta within tolerance closes any open record for the
key; anything beyond opens or refreshes the one record kept per key, graded
minor, major or critical by how many tolerances it spans.

The detector never writes to a provider. Correct builds a sync job for an
open record and enqueues it; the record is closed by a later audit once the
job has landed, or by an operator override.
*/
package drift
