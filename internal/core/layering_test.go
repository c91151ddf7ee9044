package core

import (
	"testing"

	"docledger/testutil"
)

func TestEngineDoesNotReachOutward(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.UnderAny(
		"docledger/internal/adapters",
		"docledger/internal/archive",
		"docledger/internal/export",
		"docledger/internal/config",
		"net/http",
	), "the engine is transport and archive agnostic")
}

func TestEngineDependencyClosure(t *testing.T) {
	if testing.Short() {
		t.Skip("shells out to go list")
	}
	testutil.AssertNoTransitiveDependency(t, ".", ".", testutil.UnderAny(
		"github.com/aws/aws-sdk-go-v2",
		"github.com/xuri/excelize/v2",
		"github.com/rs/cors",
	), "archive and transport libraries belong to the outer layers")
}
