package fetch

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// chainABIJSON covers every view method and event read by the adapters. getReserveData
// returns a static tuple, declared here as its flattened fields since the encoding is
// identical.
const chainABIJSON = `[
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"totalAssets","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"asset","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"convertToAssets","stateMutability":"view","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getReserveData","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[
    {"name":"configuration","type":"uint256"},
    {"name":"liquidityIndex","type":"uint128"},
    {"name":"currentLiquidityRate","type":"uint128"},
    {"name":"variableBorrowIndex","type":"uint128"},
    {"name":"currentVariableBorrowRate","type":"uint128"},
    {"name":"currentStableBorrowRate","type":"uint128"},
    {"name":"lastUpdateTimestamp","type":"uint40"},
    {"name":"id","type":"uint16"},
    {"name":"aTokenAddress","type":"address"},
    {"name":"stableDebtTokenAddress","type":"address"},
    {"name":"variableDebtTokenAddress","type":"address"},
    {"name":"interestRateStrategyAddress","type":"address"},
    {"name":"accruedToTreasury","type":"uint128"},
    {"name":"unbacked","type":"uint128"},
    {"name":"isolationModeTotalDebt","type":"uint128"}
  ]},
  {"type":"function","name":"POOL","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"UNDERLYING_ASSET_ADDRESS","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getUtilization","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getSupplyRate","stateMutability":"view","inputs":[{"name":"utilization","type":"uint256"}],"outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"supplyRatePerBlock","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"exchangeRateStored","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getPricePerFullShare","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"ReserveDataUpdated","anonymous":false,"inputs":[
    {"name":"reserve","type":"address","indexed":true},
    {"name":"liquidityRate","type":"uint256","indexed":false},
    {"name":"stableBorrowRate","type":"uint256","indexed":false},
    {"name":"variableBorrowRate","type":"uint256","indexed":false},
    {"name":"liquidityIndex","type":"uint256","indexed":false},
    {"name":"variableBorrowIndex","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"Deposit","anonymous":false,"inputs":[
    {"name":"sender","type":"address","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"assets","type":"uint256","indexed":false},
    {"name":"shares","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"Withdraw","anonymous":false,"inputs":[
    {"name":"sender","type":"address","indexed":true},
    {"name":"receiver","type":"address","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"assets","type":"uint256","indexed":false},
    {"name":"shares","type":"uint256","indexed":false}
  ]}
]`

// chainABI is parsed once; a malformed definition is a programming error.
var chainABI = mustParseABI(chainABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("fetch: invalid abi: " + err.Error())
	}
	return parsed
}
