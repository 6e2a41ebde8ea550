package validator

import (
	"bytes"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/types"
)

//go:embed contracts/*.wasm
var contractFS embed.FS

// contractIDPrefix domain-separates native contract IDs from other hashes
const contractIDPrefix = "forkberry/native-contract/"

// deployHeightKey is written once into a contract's state tree
var deployHeightKey = []byte("deploy_height")

// NativeContract is a contract deployed by the node itself
type NativeContract struct {
	Name     string
	ID       types.Hash
	Bytecode []byte
}

// StateTree returns the name of the contract's state tree
func (c *NativeContract) StateTree() string {
	return ContractStateTree(c.ID)
}

// ContractStateTree returns the state tree name for a contract ID
func ContractStateTree(id types.Hash) string {
	return "contract_state_" + hex.EncodeToString(id[:])
}

// ContractID derives a native contract's ID from its name
func ContractID(name string) types.Hash {
	return types.TxHash([]byte(contractIDPrefix + name))
}

var nativeContractNames = []string{"money", "dao", "deployooor"}

// NativeContracts returns the fixed native contract set in deployment order
func NativeContracts() ([]*NativeContract, error) {
	contracts := make([]*NativeContract, 0, len(nativeContractNames))
	for _, name := range nativeContractNames {
		code, err := contractFS.ReadFile("contracts/" + name + ".wasm")
		if err != nil {
			return nil, fmt.Errorf("missing bytecode for %s: %w", name, err)
		}
		contracts = append(contracts, &NativeContract{
			Name:     name,
			ID:       ContractID(name),
			Bytecode: code,
		})
	}
	return contracts, nil
}

// DeployNativeContracts deploys or refreshes the native contracts in ov at
// height. A missing contract gets its bytecode and a fresh state tree; a
// contract whose bytecode changed only has its bytecode replaced.
func DeployNativeContracts(ov *chaindb.Overlay, height uint64) error {
	contracts, err := NativeContracts()
	if err != nil {
		return err
	}
	for _, c := range contracts {
		if err := deployContract(ov, c, height); err != nil {
			return fmt.Errorf("failed to deploy %s: %w", c.Name, err)
		}
	}
	return nil
}

func deployContract(ov *chaindb.Overlay, c *NativeContract, height uint64) error {
	existing, err := ov.Get(chaindb.TreeContracts, c.ID[:])
	switch {
	case err == nil && bytes.Equal(existing, c.Bytecode):
		return nil

	case err == nil:
		log.Infof("Refreshing bytecode of native contract %s", c.Name)
		return ov.Put(chaindb.TreeContracts, c.ID[:], c.Bytecode)

	case !errors.Is(err, chaindb.ErrKeyNotFound):
		return err
	}

	log.Infof("Deploying native contract %s (%s) at height %d", c.Name,
		c.ID, height)

	if err := ov.Put(chaindb.TreeContracts, c.ID[:], c.Bytecode); err != nil {
		return err
	}
	return ov.Put(c.StateTree(), deployHeightKey, chaindb.HeightKey(height))
}
