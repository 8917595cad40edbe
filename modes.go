package encfs

// Block size bounds for new volumes, in bytes.
const (
	MinBlockSize     = 64
	MaxBlockSize     = 4096
	blockSizeUnit    = 16
	defaultBlockSize = 1024
)

// VolumeParams are the choices made when a volume is created.
type VolumeParams struct {
	Cipher    string
	Mode      string
	KeySize   int // bits
	BlockSize int // bytes

	UniqueIV           bool
	ChainedNameIV      bool
	ExternalIVChaining bool
	BlockMACBytes      int
	BlockMACRandBytes  int
	AllowHoles         bool

	KDF KDFParams
}

// Validate checks the parameters that do not depend on the registry
func (p VolumeParams) Validate() error {
	if p.Cipher == "" || p.Mode == "" {
		return &ValidationError{Field: "Cipher", Value: p.Cipher + "/" + p.Mode, Message: "cipher and mode are required"}
	}
	if err := ValidateMultiple(p.KeySize, 8, "KeySize"); err != nil {
		return err
	}
	if err := ValidateSize(p.BlockSize, "BlockSize", MinBlockSize, MaxBlockSize); err != nil {
		return err
	}
	if err := ValidateMultiple(p.BlockSize, blockSizeUnit, "BlockSize"); err != nil {
		return err
	}
	if err := ValidateSize(p.BlockMACBytes, "BlockMACBytes", 0, 8); err != nil {
		return err
	}
	if err := ValidateSize(p.BlockMACRandBytes, "BlockMACRandBytes", 0, 8); err != nil {
		return err
	}
	return p.KDF.Validate()
}

// StandardParams are the parameters of ConfigStandard.
func StandardParams() VolumeParams {
	return VolumeParams{
		Cipher:        AESCFB.Cipher,
		Mode:          AESCFB.Mode,
		KeySize:       192,
		BlockSize:     defaultBlockSize,
		UniqueIV:      true,
		ChainedNameIV: true,
		AllowHoles:    true,
		KDF:           KDFParams{Algorithm: KDFPBKDF2},
	}
}

// ParanoiaParams are the parameters of ConfigParanoia.
func ParanoiaParams() VolumeParams {
	return VolumeParams{
		Cipher:             AESCFB.Cipher,
		Mode:               AESCFB.Mode,
		KeySize:            256,
		BlockSize:          defaultBlockSize,
		UniqueIV:           true,
		ChainedNameIV:      true,
		ExternalIVChaining: true,
		BlockMACBytes:      8,
		AllowHoles:         true,
		KDF: KDFParams{
			Algorithm:   KDFArgon2id,
			MemoryKiB:   defaultArgon2MemoryKiB,
			Parallelism: defaultArgon2Parallelism,
		},
	}
}

// paramsFor resolves the parameters for opts.ConfigMode.
func paramsFor(opts *Options, reg *Registry) (VolumeParams, error) {
	var p VolumeParams
	switch opts.ConfigMode {
	case ConfigParanoia:
		p = ParanoiaParams()
	case ConfigPrompt:
		p = StandardParams()
		if opts.Chooser != nil {
			chosen, err := opts.Chooser.ChooseParams(p, reg)
			if err != nil {
				return VolumeParams{}, err
			}
			p = chosen
		}
	default:
		p = StandardParams()
	}
	if opts.KDFIterations > 0 {
		p.KDF.Iterations = opts.KDFIterations
	}
	return p, p.Validate()
}
