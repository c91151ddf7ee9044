package domain_test

import (
	"testing"

	"docledger/testutil"
)

func TestDomainStaysStdlibOnly(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(testutil.ThirdPartyImport, testutil.InternalImport),
		"the domain model is shared by every layer")
}
