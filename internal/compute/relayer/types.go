package relayer

type keyURLResponse struct {
	PublicKeyID string `json:"publicKeyId"`
	KeyURL      string `json:"keyUrl"`
}

type inputProofRequest struct {
	ContractAddress string `json:"contractAddress"`
	UserAddress     string `json:"userAddress"`
	Value           string `json:"value"`
	Bits            int    `json:"bits"`
}

type inputProofResponse struct {
	Handles    []string `json:"handles"`
	InputProof string   `json:"inputProof"`
}

type publicDecryptRequest struct {
	Handles         []string `json:"handles"`
	ContractAddress string   `json:"contractAddress"`
}

// publicDecryptResponse carries clear values as decimal strings keyed by
// handle.
type publicDecryptResponse struct {
	ClearValues     map[string]string `json:"clearValues"`
	DecryptionProof string            `json:"decryptionProof"`
}
